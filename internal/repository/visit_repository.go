package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// VisitRepository handles database operations for candidate visits
type VisitRepository struct {
	db *database.DB
}

// NewVisitRepository creates a new visit repository
func NewVisitRepository(db *database.DB) *VisitRepository {
	return &VisitRepository{db: db}
}

// FindTouching returns visits intersecting or abutting the range, ordered by start time
func (r *VisitRepository) FindTouching(ctx context.Context, scope models.Scope, tr models.TimeRange) ([]models.Visit, error) {
	return r.find(ctx, scope, touches, toMillis(tr.End), toMillis(tr.Start))
}

// FindWithin returns visits lying entirely inside the range, ordered by start time
func (r *VisitRepository) FindWithin(ctx context.Context, scope models.Scope, tr models.TimeRange) ([]models.Visit, error) {
	return r.find(ctx, scope, within, toMillis(tr.Start), toMillis(tr.End))
}

func (r *VisitRepository) find(ctx context.Context, scope models.Scope, cond string, bounds ...interface{}) ([]models.Visit, error) {
	args := append([]interface{}{scope.Username, scope.PreviewID}, bounds...)
	rows, err := r.db.QueryContext(ctx, `SELECT id, username, preview_id, latitude, longitude, start_time, end_time,
			duration_seconds, processed
		FROM visits WHERE username = ? AND preview_id = ? AND `+cond+`
		ORDER BY start_time, end_time, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer rows.Close()

	var visits []models.Visit
	for rows.Next() {
		var (
			v          models.Visit
			start, end int64
			processed  int
		)
		if err := rows.Scan(&v.ID, &v.Username, &v.PreviewID, &v.Latitude, &v.Longitude, &start, &end,
			&v.DurationSeconds, &processed); err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		v.StartTime = fromMillis(start)
		v.EndTime = fromMillis(end)
		v.Processed = processed == 1
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// Cover returns the union of tr and every visit touching it
func (r *VisitRepository) Cover(ctx context.Context, scope models.Scope, tr models.TimeRange) (models.TimeRange, error) {
	return coverRange(ctx, r.db, "visits", scope, tr)
}

// Replace deletes the visits inside tr and inserts the new set in one transaction
func (r *VisitRepository) Replace(ctx context.Context, scope models.Scope, tr models.TimeRange, visits []models.Visit) ([]models.Visit, error) {
	out := make([]models.Visit, 0, len(visits))
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM visits WHERE username = ? AND preview_id = ? AND `+within,
			scope.Username, scope.PreviewID, toMillis(tr.Start), toMillis(tr.End)); err != nil {
			return fmt.Errorf("failed to delete visits: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO visits (username, preview_id, latitude, longitude,
			start_time, end_time, duration_seconds, processed) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, v := range visits {
			res, err := stmt.ExecContext(ctx, scope.Username, scope.PreviewID, v.Latitude, v.Longitude,
				toMillis(v.StartTime), toMillis(v.EndTime), v.DurationSeconds, boolInt(v.Processed))
			if err != nil {
				return fmt.Errorf("failed to insert visit: %w", err)
			}
			v.ID, _ = res.LastInsertId()
			v.Username = scope.Username
			v.PreviewID = scope.PreviewID
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkProcessed records that the merger consumed these visits
func (r *VisitRepository) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, part := range chunk(ids, 500) {
			if _, err := tx.ExecContext(ctx, `UPDATE visits SET processed = 1 WHERE id IN (`+placeholders(len(part))+`)`,
				int64Args(part)...); err != nil {
				return fmt.Errorf("failed to mark visits processed: %w", err)
			}
		}
		return nil
	})
}

// coverRange widens tr to include every row of table touching it
func coverRange(ctx context.Context, db *database.DB, table string, scope models.Scope, tr models.TimeRange) (models.TimeRange, error) {
	var minStart, maxEnd sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MIN(start_time), MAX(end_time) FROM `+table+`
		WHERE username = ? AND preview_id = ? AND `+touches,
		scope.Username, scope.PreviewID, toMillis(tr.End), toMillis(tr.Start)).Scan(&minStart, &maxEnd)
	if err != nil {
		return tr, fmt.Errorf("failed to cover range in %s: %w", table, err)
	}
	if minStart.Valid {
		tr = tr.Union(models.TimeRange{Start: fromMillis(minStart.Int64), End: fromMillis(maxEnd.Int64)})
	}
	return tr, nil
}
