package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/jengzang/trail-pipeline/internal/analysis/foundation"
	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/metrics"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

// Drop reasons
const (
	DropMissingCoordinate = "missing_coordinate"
	DropOutOfRange        = "out_of_range"
	DropBadTimestamp      = "bad_timestamp"
	DropBadAccuracy       = "bad_accuracy"
)

// ValidatePoints converts ingest points into location points, dropping malformed ones.
// Timestamps are normalized to UTC milliseconds, the resolution they are stored at.
func ValidatePoints(username string, raw []models.IngestPoint) ([]models.LocationPoint, map[string]int) {
	valid := make([]models.LocationPoint, 0, len(raw))
	dropped := make(map[string]int)

	for _, in := range raw {
		if in.Latitude == nil || in.Longitude == nil {
			dropped[DropMissingCoordinate]++
			continue
		}
		lat, lon := *in.Latitude, *in.Longitude
		if !finite(lat) || !finite(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			dropped[DropOutOfRange]++
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, in.Timestamp)
		if err != nil {
			dropped[DropBadTimestamp]++
			continue
		}
		if in.Accuracy != nil && (!finite(*in.Accuracy) || *in.Accuracy < 0) {
			dropped[DropBadAccuracy]++
			continue
		}
		elevation := in.Elevation
		if elevation != nil && !finite(*elevation) {
			elevation = nil
		}

		valid = append(valid, models.LocationPoint{
			Username:     username,
			Timestamp:    time.UnixMilli(ts.UnixMilli()).UTC(),
			Latitude:     lat,
			Longitude:    lon,
			Accuracy:     in.Accuracy,
			Elevation:    elevation,
			ActivityHint: in.ActivityHint,
		})
	}

	for reason, n := range dropped {
		metrics.PointsDropped.WithLabelValues(reason).Add(float64(n))
	}
	return valid, dropped
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Trigger schedules a pipeline run for a scope
type Trigger interface {
	Trigger(scope models.Scope)
}

// Ingestor persists flushed batches and prepares them for detection
type Ingestor struct {
	points   *repository.PointRepository
	anomaly  *foundation.AnomalyFilter
	density  *foundation.DensityNormalizer
	notifier Notifier
	trigger  Trigger
	log      zerolog.Logger
}

// NewIngestor creates a new ingestor; notifier and trigger may be nil
func NewIngestor(points *repository.PointRepository, anomaly *foundation.AnomalyFilter, density *foundation.DensityNormalizer,
	notifier Notifier, trigger Trigger) *Ingestor {
	return &Ingestor{
		points:   points,
		anomaly:  anomaly,
		density:  density,
		notifier: notifier,
		trigger:  trigger,
		log:      logging.Component("ingest"),
	}
}

// Store inserts a batch, skipping redelivered points, then filters anomalies,
// normalizes density and schedules detection
func (i *Ingestor) Store(ctx context.Context, scope models.Scope, points []models.LocationPoint) error {
	if len(points) == 0 {
		return nil
	}
	inserted, err := i.points.Insert(ctx, scope, points)
	if err != nil {
		return fmt.Errorf("failed to store batch: %w", err)
	}
	if dup := len(points) - len(inserted); dup > 0 {
		metrics.PointsDropped.WithLabelValues("duplicate").Add(float64(dup))
	}
	if len(inserted) == 0 {
		return nil
	}
	metrics.PointsIngested.Add(float64(len(inserted)))

	if err := i.Prepare(ctx, scope, inserted); err != nil {
		return err
	}

	if i.notifier != nil {
		i.notifier.RawDataReceived(ctx, scope, spanOf(inserted))
	}
	if i.trigger != nil {
		i.trigger.Trigger(scope)
	}

	i.log.Debug().
		Str("username", scope.Username).
		Int("received", len(points)).
		Int("stored", len(inserted)).
		Msg("Batch stored")
	return nil
}

// Prepare runs the anomaly filter and the density normalizer over stored points
func (i *Ingestor) Prepare(ctx context.Context, scope models.Scope, stored []models.LocationPoint) error {
	if _, err := i.anomaly.Filter(ctx, scope, stored); err != nil {
		return err
	}
	if _, err := i.density.Normalize(ctx, scope, stored); err != nil {
		return fmt.Errorf("failed to normalize density: %w", err)
	}
	return nil
}

func spanOf(points []models.LocationPoint) models.TimeRange {
	tr := models.TimeRange{Start: points[0].Timestamp, End: points[0].Timestamp}
	for _, p := range points[1:] {
		tr = tr.Union(models.TimeRange{Start: p.Timestamp, End: p.Timestamp})
	}
	return tr
}
