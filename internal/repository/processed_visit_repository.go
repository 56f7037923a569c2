package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// ProcessedVisitRepository handles database operations for merged visits
type ProcessedVisitRepository struct {
	db *database.DB
}

// NewProcessedVisitRepository creates a new processed visit repository
func NewProcessedVisitRepository(db *database.DB) *ProcessedVisitRepository {
	return &ProcessedVisitRepository{db: db}
}

const processedVisitColumns = `id, username, preview_id, place_id, start_time, end_time, duration_seconds, version`

func scanProcessedVisit(row interface{ Scan(...interface{}) error }) (models.ProcessedVisit, error) {
	var (
		v          models.ProcessedVisit
		start, end int64
	)
	if err := row.Scan(&v.ID, &v.Username, &v.PreviewID, &v.PlaceID, &start, &end, &v.DurationSeconds, &v.Version); err != nil {
		return v, err
	}
	v.StartTime = fromMillis(start)
	v.EndTime = fromMillis(end)
	return v, nil
}

func (r *ProcessedVisitRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.ProcessedVisit, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed visits: %w", err)
	}
	defer rows.Close()

	var visits []models.ProcessedVisit
	for rows.Next() {
		v, err := scanProcessedVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan processed visit: %w", err)
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// FindTouching returns processed visits intersecting or abutting the range, by start time
func (r *ProcessedVisitRepository) FindTouching(ctx context.Context, scope models.Scope, tr models.TimeRange) ([]models.ProcessedVisit, error) {
	return r.list(ctx, `SELECT `+processedVisitColumns+` FROM processed_visits
		WHERE username = ? AND preview_id = ? AND `+touches+` ORDER BY start_time, id`,
		scope.Username, scope.PreviewID, toMillis(tr.End), toMillis(tr.Start))
}

// List returns up to limit processed visits overlapping the range
func (r *ProcessedVisitRepository) List(ctx context.Context, scope models.Scope, tr models.TimeRange, limit int) ([]models.ProcessedVisit, error) {
	return r.list(ctx, `SELECT `+processedVisitColumns+` FROM processed_visits
		WHERE username = ? AND preview_id = ? AND start_time < ? AND end_time > ?
		ORDER BY start_time, id LIMIT ?`,
		scope.Username, scope.PreviewID, toMillis(tr.End), toMillis(tr.Start), limit)
}

// Previous returns the latest processed visit ending at or before t
func (r *ProcessedVisitRepository) Previous(ctx context.Context, scope models.Scope, t int64) (*models.ProcessedVisit, error) {
	return r.one(ctx, `SELECT `+processedVisitColumns+` FROM processed_visits
		WHERE username = ? AND preview_id = ? AND end_time <= ? ORDER BY end_time DESC, id DESC LIMIT 1`,
		scope.Username, scope.PreviewID, t)
}

// Next returns the earliest processed visit starting at or after t
func (r *ProcessedVisitRepository) Next(ctx context.Context, scope models.Scope, t int64) (*models.ProcessedVisit, error) {
	return r.one(ctx, `SELECT `+processedVisitColumns+` FROM processed_visits
		WHERE username = ? AND preview_id = ? AND start_time >= ? ORDER BY start_time, id LIMIT 1`,
		scope.Username, scope.PreviewID, t)
}

// Get returns the processed visit or models.ErrNotFound
func (r *ProcessedVisitRepository) Get(ctx context.Context, id int64) (*models.ProcessedVisit, error) {
	v, err := r.one(ctx, `SELECT `+processedVisitColumns+` FROM processed_visits WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, models.ErrNotFound
	}
	return v, nil
}

func (r *ProcessedVisitRepository) one(ctx context.Context, query string, args ...interface{}) (*models.ProcessedVisit, error) {
	v, err := scanProcessedVisit(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed visit: %w", err)
	}
	return &v, nil
}

// Cover returns the union of tr and every processed visit touching it
func (r *ProcessedVisitRepository) Cover(ctx context.Context, scope models.Scope, tr models.TimeRange) (models.TimeRange, error) {
	return coverRange(ctx, r.db, "processed_visits", scope, tr)
}

// Replace deletes the processed visits inside tr and the trips touching it, then inserts the merged set
func (r *ProcessedVisitRepository) Replace(ctx context.Context, scope models.Scope, tr models.TimeRange, visits []models.ProcessedVisit) ([]models.ProcessedVisit, error) {
	out := make([]models.ProcessedVisit, 0, len(visits))
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		// trips bounded by a deleted visit cascade, trips inside the window go explicitly
		if _, err := tx.ExecContext(ctx, `DELETE FROM trips WHERE username = ? AND preview_id = ? AND `+touches,
			scope.Username, scope.PreviewID, toMillis(tr.End), toMillis(tr.Start)); err != nil {
			return fmt.Errorf("failed to delete trips: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM processed_visits WHERE username = ? AND preview_id = ? AND `+within,
			scope.Username, scope.PreviewID, toMillis(tr.Start), toMillis(tr.End)); err != nil {
			return fmt.Errorf("failed to delete processed visits: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO processed_visits (username, preview_id, place_id,
			start_time, end_time, duration_seconds) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, v := range visits {
			res, err := stmt.ExecContext(ctx, scope.Username, scope.PreviewID, v.PlaceID,
				toMillis(v.StartTime), toMillis(v.EndTime), v.DurationSeconds)
			if err != nil {
				return fmt.Errorf("failed to insert processed visit: %w", err)
			}
			v.ID, _ = res.LastInsertId()
			v.Username = scope.Username
			v.PreviewID = scope.PreviewID
			v.Version = 1
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
