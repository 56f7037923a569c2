package repository

import (
	"database/sql"
	"strings"
	"time"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// Repositories bundles every store over one database handle
type Repositories struct {
	Points          *PointRepository
	Visits          *VisitRepository
	ProcessedVisits *ProcessedVisitRepository
	Trips           *TripRepository
	Places          *PlaceRepository
	Parameters      *ParameterRepository
	Overrides       *OverrideRepository
	TransportModes  *TransportModeRepository
	Previews        *PreviewRepository
}

// New creates every repository
func New(db *database.DB, defaults models.DetectionParameter) *Repositories {
	return &Repositories{
		Points:          NewPointRepository(db),
		Visits:          NewVisitRepository(db),
		ProcessedVisits: NewProcessedVisitRepository(db),
		Trips:           NewTripRepository(db),
		Places:          NewPlaceRepository(db),
		Parameters:      NewParameterRepository(db, defaults),
		Overrides:       NewOverrideRepository(db),
		TransportModes:  NewTransportModeRepository(db),
		Previews:        NewPreviewRepository(db),
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// chunk splits ids so IN clauses stay under sqlite's variable limit
func chunk(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// touches matches records intersecting or abutting a range; args are (range.End, range.Start)
const touches = "start_time <= ? AND end_time >= ?"

// within matches records lying entirely inside a range; args are (range.Start, range.End)
const within = "start_time >= ? AND end_time <= ?"
