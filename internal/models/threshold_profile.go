package models

import (
	"errors"
	"fmt"
	"time"
)

// DetectionParameter represents a user-scoped, time-versioned set of detection thresholds
type DetectionParameter struct {
	ID        int64  `json:"id" db:"id"`
	Username  string `json:"username" db:"username"`
	PreviewID string `json:"previewId,omitempty" db:"preview_id"`

	VisitDetection  VisitDetection  `json:"visitDetection"`
	VisitMerging    VisitMerging    `json:"visitMerging"`
	LocationDensity LocationDensity `json:"locationDensity"`

	// ValidSince nil means always valid, with the lowest precedence
	ValidSince *time.Time `json:"validSince,omitempty" db:"valid_since"`
	Version    int64      `json:"version" db:"version"`
}

// VisitDetection drives the stay-point detector
type VisitDetection struct {
	SearchDistanceMeters                     float64 `json:"searchDistanceMeters" koanf:"search_distance_meters"`
	MinimumAdjacentPoints                    int     `json:"minimumAdjacentPoints" koanf:"minimum_adjacent_points"`
	MinimumStayTimeSeconds                   int64   `json:"minimumStayTimeSeconds" koanf:"minimum_stay_time_seconds"`
	MaxMergeTimeBetweenSameStayPointsSeconds int64   `json:"maxMergeTimeBetweenSameStayPoints" koanf:"max_merge_time_between_same_stay_points_seconds"`
}

// VisitMerging drives place resolution and the visit merger
type VisitMerging struct {
	SearchDurationHours                  int64   `json:"searchDurationHours" koanf:"search_duration_hours"`
	MaxMergeTimeBetweenSameVisitsSeconds int64   `json:"maxMergeTimeBetweenSameVisits" koanf:"max_merge_time_between_same_visits_seconds"`
	MinDistanceBetweenVisitsMeters       float64 `json:"minDistanceBetweenVisits" koanf:"min_distance_between_visits_meters"`
}

// LocationDensity drives the density normalizer
type LocationDensity struct {
	MaxInterpolationGapMinutes     int64   `json:"maxInterpolationGapMinutes" koanf:"max_interpolation_gap_minutes"`
	MaxInterpolationDistanceMeters float64 `json:"maxInterpolationDistanceMeters" koanf:"max_interpolation_distance_meters"`
}

// MaxGap returns the interpolation gap ceiling
func (d LocationDensity) MaxGap() time.Duration {
	return time.Duration(d.MaxInterpolationGapMinutes) * time.Minute
}

// StayPointGap returns the time gap that splits a spatial cluster
func (v VisitDetection) StayPointGap() time.Duration {
	return time.Duration(v.MaxMergeTimeBetweenSameStayPointsSeconds) * time.Second
}

// MinimumStay returns the shortest span a sub-cluster needs to become a visit
func (v VisitDetection) MinimumStay() time.Duration {
	return time.Duration(v.MinimumStayTimeSeconds) * time.Second
}

// SearchDuration returns how far the merge window reaches beyond the detection window
func (m VisitMerging) SearchDuration() time.Duration {
	return time.Duration(m.SearchDurationHours) * time.Hour
}

// MaxMergeGap returns the gap within which two visits at the same place always merge
func (m VisitMerging) MaxMergeGap() time.Duration {
	return time.Duration(m.MaxMergeTimeBetweenSameVisitsSeconds) * time.Second
}

// DefaultDetectionParameter returns the thresholds used when a user has none stored
func DefaultDetectionParameter() DetectionParameter {
	return DetectionParameter{
		VisitDetection: VisitDetection{
			SearchDistanceMeters:                     50,
			MinimumAdjacentPoints:                    3,
			MinimumStayTimeSeconds:                   300,
			MaxMergeTimeBetweenSameStayPointsSeconds: 600,
		},
		VisitMerging: VisitMerging{
			SearchDurationHours:                  48,
			MaxMergeTimeBetweenSameVisitsSeconds: 300,
			MinDistanceBetweenVisitsMeters:       100,
		},
		LocationDensity: LocationDensity{
			MaxInterpolationGapMinutes:     15,
			MaxInterpolationDistanceMeters: 500,
		},
	}
}

// Preview records an isolated parameter-trial dataset
type Preview struct {
	ID        string    `json:"previewId" db:"preview_id"`
	Username  string    `json:"username" db:"username"`
	Start     time.Time `json:"start" db:"range_start"`
	End       time.Time `json:"end" db:"range_end"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Validate checks a parameter set, whether configured or user supplied
func (p DetectionParameter) Validate() error {
	var errs []error
	if p.VisitDetection.SearchDistanceMeters <= 0 {
		errs = append(errs, errors.New("searchDistanceMeters must be positive"))
	}
	if p.VisitDetection.MinimumAdjacentPoints < 1 {
		errs = append(errs, errors.New("minimumAdjacentPoints must be at least 1"))
	}
	if p.VisitDetection.MinimumStayTimeSeconds < 0 || p.VisitDetection.MaxMergeTimeBetweenSameStayPointsSeconds < 0 {
		errs = append(errs, errors.New("stay durations must not be negative"))
	}
	if p.VisitMerging.SearchDurationHours < 0 || p.VisitMerging.MaxMergeTimeBetweenSameVisitsSeconds < 0 {
		errs = append(errs, errors.New("merge durations must not be negative"))
	}
	if p.VisitMerging.MinDistanceBetweenVisitsMeters <= 0 {
		errs = append(errs, errors.New("minDistanceBetweenVisits must be positive"))
	}
	if p.LocationDensity.MaxInterpolationGapMinutes < 0 || p.LocationDensity.MaxInterpolationDistanceMeters < 0 {
		errs = append(errs, errors.New("interpolation limits must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
}
