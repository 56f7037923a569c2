package models

import (
	"fmt"
	"time"
)

// RangeFilter represents query parameters for time-bounded listings
type RangeFilter struct {
	Start string `form:"start"` // RFC 3339
	End   string `form:"end"`   // RFC 3339
	Limit int    `form:"limit"`
}

// Range parses the filter; a missing bound is open-ended
func (f RangeFilter) Range() (TimeRange, error) {
	r := TimeRange{Start: time.Unix(0, 0).UTC(), End: time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)}
	if f.Start != "" {
		t, err := time.Parse(time.RFC3339, f.Start)
		if err != nil {
			return r, fmt.Errorf("%w: start: %v", ErrInvalidInput, err)
		}
		r.Start = t
	}
	if f.End != "" {
		t, err := time.Parse(time.RFC3339, f.End)
		if err != nil {
			return r, fmt.Errorf("%w: end: %v", ErrInvalidInput, err)
		}
		r.End = t
	}
	if !r.End.After(r.Start) {
		return r, fmt.Errorf("%w: end must be after start", ErrInvalidInput)
	}
	return r, nil
}

// PageLimit clamps Limit the way the listing endpoints expect
func (f RangeFilter) PageLimit() int {
	switch {
	case f.Limit < 1:
		return 1000
	case f.Limit > 10000:
		return 10000
	default:
		return f.Limit
	}
}
