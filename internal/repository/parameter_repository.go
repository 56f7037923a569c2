package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// ParameterRepository handles database operations for versioned detection parameters
type ParameterRepository struct {
	db       *database.DB
	defaults models.DetectionParameter
}

// NewParameterRepository creates a parameter repository that falls back to defaults
func NewParameterRepository(db *database.DB, defaults models.DetectionParameter) *ParameterRepository {
	return &ParameterRepository{db: db, defaults: defaults}
}

const parameterColumns = `id, username, preview_id, search_distance_meters, minimum_adjacent_points,
	minimum_stay_time_seconds, max_merge_time_same_stay_points, search_duration_hours, max_merge_time_same_visits,
	min_distance_between_visits_meters, max_interpolation_gap_minutes, max_interpolation_distance_meters,
	valid_since, version`

func scanParameter(row interface{ Scan(...interface{}) error }) (models.DetectionParameter, error) {
	var (
		p          models.DetectionParameter
		validSince sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.Username, &p.PreviewID,
		&p.VisitDetection.SearchDistanceMeters, &p.VisitDetection.MinimumAdjacentPoints,
		&p.VisitDetection.MinimumStayTimeSeconds, &p.VisitDetection.MaxMergeTimeBetweenSameStayPointsSeconds,
		&p.VisitMerging.SearchDurationHours, &p.VisitMerging.MaxMergeTimeBetweenSameVisitsSeconds,
		&p.VisitMerging.MinDistanceBetweenVisitsMeters,
		&p.LocationDensity.MaxInterpolationGapMinutes, &p.LocationDensity.MaxInterpolationDistanceMeters,
		&validSince, &p.Version)
	if validSince.Valid {
		t := fromMillis(validSince.Int64)
		p.ValidSince = &t
	}
	return p, err
}

func validSinceArg(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

// Resolve returns the version active at ref: the latest validSince <= ref, then an
// always-valid (null validSince) row, then the configured defaults
func (r *ParameterRepository) Resolve(ctx context.Context, scope models.Scope, ref time.Time) (models.DetectionParameter, error) {
	p, err := scanParameter(r.db.QueryRowContext(ctx, `SELECT `+parameterColumns+` FROM detection_parameters
		WHERE username = ? AND preview_id = ? AND (valid_since IS NULL OR valid_since <= ?)
		ORDER BY valid_since IS NULL, valid_since DESC, id DESC LIMIT 1`,
		scope.Username, scope.PreviewID, toMillis(ref)))
	if errors.Is(err, sql.ErrNoRows) {
		d := r.defaults
		d.Username = scope.Username
		d.PreviewID = scope.PreviewID
		return d, nil
	}
	if err != nil {
		return models.DetectionParameter{}, fmt.Errorf("failed to resolve detection parameters: %w", err)
	}
	return p, nil
}

// List returns every stored version in scope, newest validSince first
func (r *ParameterRepository) List(ctx context.Context, scope models.Scope) ([]models.DetectionParameter, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+parameterColumns+` FROM detection_parameters
		WHERE username = ? AND preview_id = ? ORDER BY valid_since IS NULL, valid_since DESC, id DESC`,
		scope.Username, scope.PreviewID)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection parameters: %w", err)
	}
	defer rows.Close()

	var params []models.DetectionParameter
	for rows.Next() {
		p, err := scanParameter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection parameters: %w", err)
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

// Create stores a new version
func (r *ParameterRepository) Create(ctx context.Context, scope models.Scope, p models.DetectionParameter) (*models.DetectionParameter, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO detection_parameters (username, preview_id, search_distance_meters,
			minimum_adjacent_points, minimum_stay_time_seconds, max_merge_time_same_stay_points, search_duration_hours,
			max_merge_time_same_visits, min_distance_between_visits_meters, max_interpolation_gap_minutes,
			max_interpolation_distance_meters, valid_since)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scope.Username, scope.PreviewID,
		p.VisitDetection.SearchDistanceMeters, p.VisitDetection.MinimumAdjacentPoints,
		p.VisitDetection.MinimumStayTimeSeconds, p.VisitDetection.MaxMergeTimeBetweenSameStayPointsSeconds,
		p.VisitMerging.SearchDurationHours, p.VisitMerging.MaxMergeTimeBetweenSameVisitsSeconds,
		p.VisitMerging.MinDistanceBetweenVisitsMeters,
		p.LocationDensity.MaxInterpolationGapMinutes, p.LocationDensity.MaxInterpolationDistanceMeters,
		validSinceArg(p.ValidSince))
	if err != nil {
		return nil, fmt.Errorf("failed to create detection parameters: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	p.Username = scope.Username
	p.PreviewID = scope.PreviewID
	p.Version = 1
	return &p, nil
}

// Update replaces a stored version with a compare-and-swap on p.Version
func (r *ParameterRepository) Update(ctx context.Context, scope models.Scope, p models.DetectionParameter) (*models.DetectionParameter, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE detection_parameters SET search_distance_meters = ?,
			minimum_adjacent_points = ?, minimum_stay_time_seconds = ?, max_merge_time_same_stay_points = ?,
			search_duration_hours = ?, max_merge_time_same_visits = ?, min_distance_between_visits_meters = ?,
			max_interpolation_gap_minutes = ?, max_interpolation_distance_meters = ?, valid_since = ?,
			version = version + 1
		WHERE id = ? AND username = ? AND preview_id = ? AND version = ?`,
		p.VisitDetection.SearchDistanceMeters, p.VisitDetection.MinimumAdjacentPoints,
		p.VisitDetection.MinimumStayTimeSeconds, p.VisitDetection.MaxMergeTimeBetweenSameStayPointsSeconds,
		p.VisitMerging.SearchDurationHours, p.VisitMerging.MaxMergeTimeBetweenSameVisitsSeconds,
		p.VisitMerging.MinDistanceBetweenVisitsMeters,
		p.LocationDensity.MaxInterpolationGapMinutes, p.LocationDensity.MaxInterpolationDistanceMeters,
		validSinceArg(p.ValidSince),
		p.ID, scope.Username, scope.PreviewID, p.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update detection parameters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM detection_parameters
			WHERE id = ? AND username = ? AND preview_id = ?`, p.ID, scope.Username, scope.PreviewID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check detection parameters: %w", err)
		}
		if exists == 0 {
			return nil, models.ErrNotFound
		}
		return nil, &models.VersionConflictError{Entity: "detection parameters", ID: p.ID, ExpectedVersion: p.Version}
	}

	p.Username = scope.Username
	p.PreviewID = scope.PreviewID
	p.Version++
	return &p, nil
}
