package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// PointRepository handles database operations for raw and synthetic location points
type PointRepository struct {
	db *database.DB
}

// NewPointRepository creates a new point repository
func NewPointRepository(db *database.DB) *PointRepository {
	return &PointRepository{db: db}
}

const pointColumns = `id, username, preview_id, timestamp, latitude, longitude, accuracy, elevation,
	activity_hint, processed, synthetic, ignored, invalid, version`

// deterministic order: timestamp, coordinates, real before synthetic
const pointOrder = ` ORDER BY timestamp, latitude, longitude, synthetic`

// PointQuery selects points of one scope inside a closed time range
type PointQuery struct {
	Range      models.TimeRange
	UsableOnly bool // skip ignored and invalid points
	RealOnly   bool // skip synthetic points
}

func scanPoint(rows interface{ Scan(...interface{}) error }) (models.LocationPoint, error) {
	var (
		p                                      models.LocationPoint
		ts                                     int64
		acc, elev                              sql.NullFloat64
		processed, synthetic, ignored, invalid int
	)
	err := rows.Scan(&p.ID, &p.Username, &p.PreviewID, &ts, &p.Latitude, &p.Longitude, &acc, &elev,
		&p.ActivityHint, &processed, &synthetic, &ignored, &invalid, &p.Version)
	if err != nil {
		return p, err
	}
	p.Timestamp = fromMillis(ts)
	p.Accuracy = floatPtr(acc)
	p.Elevation = floatPtr(elev)
	p.Processed = processed == 1
	p.Synthetic = synthetic == 1
	p.Ignored = ignored == 1
	p.Invalid = invalid == 1
	return p, nil
}

func (r *PointRepository) query(ctx context.Context, query string, args ...interface{}) ([]models.LocationPoint, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var points []models.LocationPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Insert stores points, skipping any that already exist with the same identity.
// It returns the inserted points with IDs assigned.
func (r *PointRepository) Insert(ctx context.Context, scope models.Scope, points []models.LocationPoint) ([]models.LocationPoint, error) {
	if len(points) == 0 {
		return nil, nil
	}

	var inserted []models.LocationPoint
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO location_points (username, preview_id, timestamp, latitude, longitude, accuracy, elevation,
				activity_hint, processed, synthetic, ignored, invalid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
			RETURNING id`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, p := range points {
			var id int64
			err := stmt.QueryRowContext(ctx, scope.Username, scope.PreviewID, toMillis(p.Timestamp), p.Latitude, p.Longitude,
				nullFloat(p.Accuracy), nullFloat(p.Elevation), p.ActivityHint,
				boolInt(p.Processed), boolInt(p.Synthetic), boolInt(p.Ignored), boolInt(p.Invalid)).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to insert point: %w", err)
			}
			p.ID = id
			p.Username = scope.Username
			p.PreviewID = scope.PreviewID
			p.Version = 1
			inserted = append(inserted, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// Find returns points in q.Range, inclusive on both ends, in deterministic order
func (r *PointRepository) Find(ctx context.Context, scope models.Scope, q PointQuery) ([]models.LocationPoint, error) {
	query := `SELECT ` + pointColumns + ` FROM location_points
		WHERE username = ? AND preview_id = ? AND timestamp >= ? AND timestamp <= ?`
	if q.UsableOnly {
		query += " AND ignored = 0 AND invalid = 0"
	}
	if q.RealOnly {
		query += " AND synthetic = 0"
	}
	query += pointOrder
	return r.query(ctx, query, scope.Username, scope.PreviewID, toMillis(q.Range.Start), toMillis(q.Range.End))
}

// Neighbors returns up to n stored real points strictly before and strictly after r,
// nearest first on each side; used as lookback/lookahead context
func (r *PointRepository) Neighbors(ctx context.Context, scope models.Scope, tr models.TimeRange, n int) (before, after []models.LocationPoint, err error) {
	if n <= 0 {
		return nil, nil, nil
	}
	before, err = r.query(ctx, `SELECT `+pointColumns+` FROM location_points
		WHERE username = ? AND preview_id = ? AND timestamp < ? AND synthetic = 0 AND invalid = 0
		ORDER BY timestamp DESC LIMIT ?`, scope.Username, scope.PreviewID, toMillis(tr.Start), n)
	if err != nil {
		return nil, nil, err
	}
	after, err = r.query(ctx, `SELECT `+pointColumns+` FROM location_points
		WHERE username = ? AND preview_id = ? AND timestamp > ? AND synthetic = 0 AND invalid = 0
		ORDER BY timestamp ASC LIMIT ?`, scope.Username, scope.PreviewID, toMillis(tr.End), n)
	return before, after, err
}

// DeleteSynthetic removes generated points inside the closed range
func (r *PointRepository) DeleteSynthetic(ctx context.Context, scope models.Scope, tr models.TimeRange) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM location_points
		WHERE username = ? AND preview_id = ? AND synthetic = 1 AND timestamp >= ? AND timestamp <= ?`,
		scope.Username, scope.PreviewID, toMillis(tr.Start), toMillis(tr.End))
	if err != nil {
		return 0, fmt.Errorf("failed to delete synthetic points: %w", err)
	}
	return res.RowsAffected()
}

// ClearIgnored resets density trimming inside the closed range so it can be recomputed
func (r *PointRepository) ClearIgnored(ctx context.Context, scope models.Scope, tr models.TimeRange) error {
	_, err := r.db.ExecContext(ctx, `UPDATE location_points SET ignored = 0, version = version + 1
		WHERE username = ? AND preview_id = ? AND ignored = 1 AND timestamp >= ? AND timestamp <= ?`,
		scope.Username, scope.PreviewID, toMillis(tr.Start), toMillis(tr.End))
	if err != nil {
		return fmt.Errorf("failed to clear ignored flags: %w", err)
	}
	return nil
}

// MarkIgnored flags points as excess density
func (r *PointRepository) MarkIgnored(ctx context.Context, ids []int64) error {
	return r.setFlag(ctx, "ignored", ids)
}

// MarkInvalid flags points rejected by the anomaly filter
func (r *PointRepository) MarkInvalid(ctx context.Context, ids []int64) error {
	return r.setFlag(ctx, "invalid", ids)
}

func (r *PointRepository) setFlag(ctx context.Context, column string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, part := range chunk(ids, 500) {
			query := fmt.Sprintf(`UPDATE location_points SET %s = 1, version = version + 1 WHERE id IN (%s)`,
				column, placeholders(len(part)))
			if _, err := tx.ExecContext(ctx, query, int64Args(part)...); err != nil {
				return fmt.Errorf("failed to set %s flag: %w", column, err)
			}
		}
		return nil
	})
}

// ClaimUnprocessed marks the oldest page of unprocessed points as processed and
// returns the time range the page spans. claimed is 0 when nothing was pending.
func (r *PointRepository) ClaimUnprocessed(ctx context.Context, scope models.Scope, limit int) (tr models.TimeRange, claimed int, err error) {
	err = r.db.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, timestamp FROM location_points
			WHERE username = ? AND preview_id = ? AND processed = 0
			ORDER BY timestamp LIMIT ?`, scope.Username, scope.PreviewID, limit)
		if err != nil {
			return fmt.Errorf("failed to query unprocessed points: %w", err)
		}

		var ids []int64
		var minTs, maxTs int64
		for rows.Next() {
			var id, ts int64
			if err := rows.Scan(&id, &ts); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan unprocessed point: %w", err)
			}
			if len(ids) == 0 || ts < minTs {
				minTs = ts
			}
			if len(ids) == 0 || ts > maxTs {
				maxTs = ts
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, part := range chunk(ids, 500) {
			query := `UPDATE location_points SET processed = 1 WHERE id IN (` + placeholders(len(part)) + `)`
			if _, err := tx.ExecContext(ctx, query, int64Args(part)...); err != nil {
				return fmt.Errorf("failed to mark points processed: %w", err)
			}
		}

		claimed = len(ids)
		tr = models.TimeRange{Start: fromMillis(minTs), End: fromMillis(maxTs)}
		return nil
	})
	return tr, claimed, err
}

// MarkUnprocessed queues points in the closed range for another pipeline pass
func (r *PointRepository) MarkUnprocessed(ctx context.Context, scope models.Scope, tr models.TimeRange) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE location_points SET processed = 0
		WHERE username = ? AND preview_id = ? AND timestamp >= ? AND timestamp <= ?`,
		scope.Username, scope.PreviewID, toMillis(tr.Start), toMillis(tr.End))
	if err != nil {
		return 0, fmt.Errorf("failed to mark points unprocessed: %w", err)
	}
	return res.RowsAffected()
}

// UsersWithUnprocessed lists live users that have a backlog
func (r *PointRepository) UsersWithUnprocessed(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT username FROM location_points
		WHERE preview_id = '' AND processed = 0 ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users with backlog: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan username: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CopyToPreview clones the live real points of a user in the range into a preview scope
func (r *PointRepository) CopyToPreview(ctx context.Context, username, previewID string, tr models.TimeRange) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO location_points (username, preview_id, timestamp, latitude, longitude,
			accuracy, elevation, activity_hint, processed, synthetic, ignored, invalid)
		SELECT username, ?, timestamp, latitude, longitude, accuracy, elevation, activity_hint, 0, 0, 0, 0
		FROM location_points
		WHERE username = ? AND preview_id = '' AND synthetic = 0 AND timestamp >= ? AND timestamp <= ?`,
		previewID, username, toMillis(tr.Start), toMillis(tr.End))
	if err != nil {
		return 0, fmt.Errorf("failed to copy points to preview: %w", err)
	}
	return res.RowsAffected()
}
