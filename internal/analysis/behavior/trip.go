package behavior

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/metrics"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/spatial"
)

// TripStore persists trips
type TripStore interface {
	Exists(ctx context.Context, scope models.Scope, tr models.TimeRange) (bool, error)
	Insert(ctx context.Context, scope models.Scope, t models.Trip) (*models.Trip, error)
}

// VisitGetter re-reads a processed visit by id
type VisitGetter interface {
	Get(ctx context.Context, id int64) (*models.ProcessedVisit, error)
}

// PlaceGetter loads places by id
type PlaceGetter interface {
	GetMany(ctx context.Context, ids []int64) (map[int64]models.SignificantPlace, error)
}

// ModeTable returns a user's ordered transport mode thresholds
type ModeTable interface {
	Get(ctx context.Context, username string) ([]models.TransportModeThreshold, error)
}

// TripDetector builds a trip for every pair of adjacent processed visits
type TripDetector struct {
	trips  TripStore
	visits VisitGetter
	places PlaceGetter
	modes  ModeTable
	points PointFinder
	log    zerolog.Logger
}

// NewTripDetector creates a new trip detector
func NewTripDetector(trips TripStore, visits VisitGetter, places PlaceGetter, modes ModeTable, points PointFinder) *TripDetector {
	return &TripDetector{
		trips:  trips,
		visits: visits,
		places: places,
		modes:  modes,
		points: points,
		log:    logging.Component("trip-detector"),
	}
}

// Detect inserts the trips between consecutive visits. Pairs whose visits were
// deleted since they were read, that have no positive gap, or whose span already
// has a trip are skipped.
func (d *TripDetector) Detect(ctx context.Context, scope models.Scope, visits []models.ProcessedVisit) ([]models.Trip, error) {
	if len(visits) < 2 {
		return nil, nil
	}

	sorted := append([]models.ProcessedVisit(nil), visits...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].StartTime.Equal(sorted[j].StartTime) {
			return sorted[i].StartTime.Before(sorted[j].StartTime)
		}
		return sorted[i].ID < sorted[j].ID
	})

	modes, err := d.modes.Get(ctx, scope.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to load transport modes: %w", err)
	}

	ids := make([]int64, len(sorted))
	for i, v := range sorted {
		ids[i] = v.PlaceID
	}
	places, err := d.places.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load places: %w", err)
	}

	var trips []models.Trip
	for i := 0; i+1 < len(sorted); i++ {
		from, to := sorted[i], sorted[i+1]
		if !to.StartTime.After(from.EndTime) {
			continue
		}

		alive, err := d.stillExists(ctx, from.ID, to.ID)
		if err != nil {
			return trips, err
		}
		if !alive {
			d.log.Debug().Int64("from", from.ID).Int64("to", to.ID).Msg("Visit pair vanished, skipping trip")
			continue
		}

		span := models.TimeRange{Start: from.EndTime, End: to.StartTime}
		exists, err := d.trips.Exists(ctx, scope, span)
		if err != nil {
			return trips, fmt.Errorf("failed to check trip: %w", err)
		}
		if exists {
			continue
		}

		trip, err := d.build(ctx, scope, from, to, places, modes)
		if err != nil {
			return trips, err
		}
		saved, err := d.trips.Insert(ctx, scope, trip)
		if err != nil {
			return trips, fmt.Errorf("failed to insert trip: %w", err)
		}
		if saved == nil {
			continue // a concurrent run stored the same span
		}
		metrics.RecordsCreated.WithLabelValues("trip").Inc()
		trips = append(trips, *saved)
	}
	return trips, nil
}

func (d *TripDetector) stillExists(ctx context.Context, ids ...int64) (bool, error) {
	for _, id := range ids {
		if _, err := d.visits.Get(ctx, id); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("failed to re-read visit %d: %w", id, err)
		}
	}
	return true, nil
}

func (d *TripDetector) build(ctx context.Context, scope models.Scope, from, to models.ProcessedVisit,
	places map[int64]models.SignificantPlace, modes []models.TransportModeThreshold) (models.Trip, error) {
	span := models.TimeRange{Start: from.EndTime, End: to.StartTime}
	duration := span.End.Sub(span.Start)

	var estimated float64
	a, okA := places[from.PlaceID]
	b, okB := places[to.PlaceID]
	if okA && okB {
		estimated = spatial.Distance(
			spatial.Point{Lat: a.Latitude, Lon: a.Longitude},
			spatial.Point{Lat: b.Latitude, Lon: b.Longitude},
		)
	}

	travelled, err := pathLength(ctx, d.points, scope, span)
	if err != nil {
		return models.Trip{}, err
	}

	distance := travelled
	if distance <= 0 {
		distance = estimated
	}

	return models.Trip{
		Username:                scope.Username,
		PreviewID:               scope.PreviewID,
		StartTime:               span.Start,
		EndTime:                 span.End,
		DurationSeconds:         int64(duration / time.Second),
		StartVisitID:            from.ID,
		EndVisitID:              to.ID,
		EstimatedDistanceMeters: estimated,
		TravelledDistanceMeters: travelled,
		TransportMode:           ClassifyTransportMode(distance, duration, modes),
	}, nil
}
