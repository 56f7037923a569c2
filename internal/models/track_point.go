package models

import "time"

// LocationPoint represents a raw GPS fix, or a synthetic one generated by the density normalizer
type LocationPoint struct {
	ID        int64     `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	PreviewID string    `json:"previewId,omitempty" db:"preview_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`

	// Accuracy is the horizontal accuracy radius in meters; nil when the client did not report one
	Accuracy  *float64 `json:"accuracy,omitempty" db:"accuracy"`
	Elevation *float64 `json:"elevation,omitempty" db:"elevation"`

	ActivityHint string `json:"activityHint,omitempty" db:"activity_hint"`

	// Flags
	Processed bool `json:"processed" db:"processed"`
	Synthetic bool `json:"synthetic" db:"synthetic"`
	Ignored   bool `json:"ignored" db:"ignored"` // density trimming
	Invalid   bool `json:"invalid" db:"invalid"` // anomaly filter

	Version int64 `json:"version" db:"version"`
}

// Usable reports whether the point may feed stay detection and distance sums
func (p LocationPoint) Usable() bool {
	return !p.Ignored && !p.Invalid
}

// IngestPoint is one element of an inbound ingest batch, before validation
type IngestPoint struct {
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Timestamp    string   `json:"timestamp"` // ISO 8601 / RFC 3339
	Accuracy     *float64 `json:"accuracyMeters"`
	Elevation    *float64 `json:"elevationMeters,omitempty"`
	ActivityHint string   `json:"activityHint,omitempty"`
}
