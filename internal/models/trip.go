package models

import "time"

// Trip is the travel segment between two adjacent processed visits
type Trip struct {
	ID        int64  `json:"id" db:"id"`
	Username  string `json:"username" db:"username"`
	PreviewID string `json:"previewId,omitempty" db:"preview_id"`

	// Temporal info; equals [StartVisit.EndTime, EndVisit.StartTime)
	StartTime       time.Time `json:"startTime" db:"start_time"`
	EndTime         time.Time `json:"endTime" db:"end_time"`
	DurationSeconds int64     `json:"durationSeconds" db:"duration_seconds"`

	// Bounding processed visits
	StartVisitID int64 `json:"startVisitId" db:"start_visit_id"`
	EndVisitID   int64 `json:"endVisitId" db:"end_visit_id"`

	EstimatedDistanceMeters float64 `json:"estimatedDistanceMeters" db:"estimated_distance_meters"` // between place centroids
	TravelledDistanceMeters float64 `json:"travelledDistanceMeters" db:"travelled_distance_meters"` // through raw points
	TransportMode           string  `json:"transportMode" db:"transport_mode"`

	Version int64 `json:"version" db:"version"`
}

// Transport modes
const (
	ModeWalking = "WALKING"
	ModeCycling = "CYCLING"
	ModeDriving = "DRIVING"
	ModeUnknown = "UNKNOWN"
)

// TransportModeThreshold is one row of a user's ordered mode table
type TransportModeThreshold struct {
	Mode        string  `json:"mode" db:"mode"`
	MaxSpeedKmh float64 `json:"maxSpeedKmh" db:"max_speed_kmh"`
}

// DefaultTransportModes is used when a user has not configured a table
func DefaultTransportModes() []TransportModeThreshold {
	return []TransportModeThreshold{
		{Mode: ModeWalking, MaxSpeedKmh: 7},
		{Mode: ModeCycling, MaxSpeedKmh: 20},
		{Mode: ModeDriving, MaxSpeedKmh: 120},
	}
}
