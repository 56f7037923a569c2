package repository

import (
	"context"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// TripRepository handles database operations for trips
type TripRepository struct {
	db *database.DB
}

// NewTripRepository creates a new trip repository
func NewTripRepository(db *database.DB) *TripRepository {
	return &TripRepository{db: db}
}

// List returns up to limit trips overlapping the range
func (r *TripRepository) List(ctx context.Context, scope models.Scope, tr models.TimeRange, limit int) ([]models.Trip, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, username, preview_id, start_time, end_time, duration_seconds,
			start_visit_id, end_visit_id, estimated_distance_meters, travelled_distance_meters, transport_mode, version
		FROM trips WHERE username = ? AND preview_id = ? AND start_time < ? AND end_time > ?
		ORDER BY start_time, id LIMIT ?`,
		scope.Username, scope.PreviewID, toMillis(tr.End), toMillis(tr.Start), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer rows.Close()

	var trips []models.Trip
	for rows.Next() {
		var (
			t          models.Trip
			start, end int64
		)
		err := rows.Scan(&t.ID, &t.Username, &t.PreviewID, &start, &end, &t.DurationSeconds,
			&t.StartVisitID, &t.EndVisitID, &t.EstimatedDistanceMeters, &t.TravelledDistanceMeters,
			&t.TransportMode, &t.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		t.StartTime = fromMillis(start)
		t.EndTime = fromMillis(end)
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// Exists reports whether a trip with exactly this span is stored
func (r *TripRepository) Exists(ctx context.Context, scope models.Scope, tr models.TimeRange) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trips
		WHERE username = ? AND preview_id = ? AND start_time = ? AND end_time = ?`,
		scope.Username, scope.PreviewID, toMillis(tr.Start), toMillis(tr.End)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check trip: %w", err)
	}
	return n > 0, nil
}

// Insert stores a trip; a concurrent insert of the same span is ignored
func (r *TripRepository) Insert(ctx context.Context, scope models.Scope, t models.Trip) (*models.Trip, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO trips (username, preview_id, start_time, end_time, duration_seconds,
			start_visit_id, end_visit_id, estimated_distance_meters, travelled_distance_meters, transport_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (username, preview_id, start_time, end_time) DO NOTHING`,
		scope.Username, scope.PreviewID, toMillis(t.StartTime), toMillis(t.EndTime), t.DurationSeconds,
		t.StartVisitID, t.EndVisitID, t.EstimatedDistanceMeters, t.TravelledDistanceMeters, t.TransportMode)
	if err != nil {
		return nil, fmt.Errorf("failed to insert trip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	t.ID, _ = res.LastInsertId()
	t.Username = scope.Username
	t.PreviewID = scope.PreviewID
	t.Version = 1
	return &t, nil
}
