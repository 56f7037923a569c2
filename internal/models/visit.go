package models

import "time"

// Visit is a candidate stay produced by the stay-point detector
type Visit struct {
	ID              int64     `json:"id" db:"id"`
	Username        string    `json:"username" db:"username"`
	PreviewID       string    `json:"previewId,omitempty" db:"preview_id"`
	Latitude        float64   `json:"latitude" db:"latitude"`
	Longitude       float64   `json:"longitude" db:"longitude"`
	StartTime       time.Time `json:"startTime" db:"start_time"`
	EndTime         time.Time `json:"endTime" db:"end_time"`
	DurationSeconds int64     `json:"durationSeconds" db:"duration_seconds"`
	Processed       bool      `json:"processed" db:"processed"`
}

// ProcessedVisit is the canonical, merged stay at a significant place
type ProcessedVisit struct {
	ID              int64     `json:"id" db:"id"`
	Username        string    `json:"username" db:"username"`
	PreviewID       string    `json:"previewId,omitempty" db:"preview_id"`
	PlaceID         int64     `json:"placeId" db:"place_id"`
	StartTime       time.Time `json:"startTime" db:"start_time"`
	EndTime         time.Time `json:"endTime" db:"end_time"`
	DurationSeconds int64     `json:"durationSeconds" db:"duration_seconds"`
	Version         int64     `json:"version" db:"version"`

	Place *SignificantPlace `json:"place,omitempty" db:"-"`
}

// TimeRange is a half-open [Start, End) interval
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Union returns the smallest range covering both
func (r TimeRange) Union(o TimeRange) TimeRange {
	out := r
	if o.Start.Before(out.Start) {
		out.Start = o.Start
	}
	if o.End.After(out.End) {
		out.End = o.End
	}
	return out
}

// Expand widens the range by d on both sides
func (r TimeRange) Expand(d time.Duration) TimeRange {
	return TimeRange{Start: r.Start.Add(-d), End: r.End.Add(d)}
}
