package foundation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/metrics"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/spatial"
	"github.com/jengzang/trail-pipeline/internal/stats"
)

// AnomalyConfig defines the anomaly filter thresholds
type AnomalyConfig struct {
	MaxAccuracyMeters float64 `koanf:"max_accuracy_meters"`
	MaxSpeedKmh       float64 `koanf:"max_speed_kmh"`

	// ContextPoints stored points on each side of a batch join the speed pass
	ContextPoints int `koanf:"context_points"`
}

// DefaultAnomalyConfig provides default anomaly thresholds
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		MaxAccuracyMeters: 100,
		MaxSpeedKmh:       300,
		ContextPoints:     3,
	}
}

// DetectAnomalies returns the indices of anomalous points in a time-sorted slice.
// The accuracy pass and the speed pass run independently and their results are unioned.
func DetectAnomalies(points []models.LocationPoint, cfg AnomalyConfig) []int {
	flagged := make(map[int]bool)

	for i, p := range points {
		if p.Accuracy != nil && *p.Accuracy > cfg.MaxAccuracyMeters {
			flagged[i] = true
		}
	}

	for _, i := range speedSpikes(points, cfg.MaxSpeedKmh/3.6) {
		flagged[i] = true
	}

	out := make([]int, 0, len(flagged))
	for i := range flagged {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// speedSpikes flags isolated spikes only. speeds[i] is the speed of the pair
// (i, i+1) in m/s and NaN when the pair has no positive time delta.
func speedSpikes(points []models.LocationPoint, floorMPS float64) []int {
	n := len(points)
	if n < 3 {
		return nil
	}

	speeds := make([]float64, n-1)
	for i := 0; i < n-1; i++ {
		dt := points[i+1].Timestamp.Sub(points[i].Timestamp).Seconds()
		if dt <= 0 {
			speeds[i] = math.NaN()
			continue
		}
		d := spatial.HaversineDistance(points[i].Latitude, points[i].Longitude, points[i+1].Latitude, points[i+1].Longitude)
		speeds[i] = d / dt
	}

	threshold := math.Max(floorMPS, 3*stats.Median(speeds))
	over := func(s float64) bool { return !math.IsNaN(s) && s > threshold }

	var out []int
	if over(speeds[0]) && !over(speeds[1]) {
		out = append(out, 0)
	}
	for i := 1; i < n-1; i++ {
		if over(speeds[i-1]) && over(speeds[i]) {
			out = append(out, i)
		}
	}
	if over(speeds[n-2]) && !over(speeds[n-3]) {
		out = append(out, n-1)
	}
	return out
}

// AnomalyStore is the storage the anomaly filter needs
type AnomalyStore interface {
	Neighbors(ctx context.Context, scope models.Scope, tr models.TimeRange, n int) (before, after []models.LocationPoint, err error)
	MarkInvalid(ctx context.Context, ids []int64) error
}

// AnomalyFilter flags anomalous points of a freshly stored batch
type AnomalyFilter struct {
	store AnomalyStore
	cfg   AnomalyConfig
	log   zerolog.Logger
}

// NewAnomalyFilter creates a new anomaly filter
func NewAnomalyFilter(store AnomalyStore, cfg AnomalyConfig) *AnomalyFilter {
	return &AnomalyFilter{store: store, cfg: cfg, log: logging.Component("anomaly")}
}

// Filter marks anomalous batch points invalid and returns their IDs.
// Context points around the batch feed the speed pass but are never flagged.
func (f *AnomalyFilter) Filter(ctx context.Context, scope models.Scope, batch []models.LocationPoint) ([]int64, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	defer metrics.ObserveStage("anomaly_filter", time.Now())

	sorted := make([]models.LocationPoint, len(batch))
	copy(sorted, batch)
	sortPoints(sorted)

	tr := models.TimeRange{Start: sorted[0].Timestamp, End: sorted[len(sorted)-1].Timestamp}
	before, after, err := f.store.Neighbors(ctx, scope, tr, f.cfg.ContextPoints)
	if err != nil {
		return nil, fmt.Errorf("failed to load context points: %w", err)
	}

	combined := make([]models.LocationPoint, 0, len(before)+len(sorted)+len(after))
	for i := len(before) - 1; i >= 0; i-- {
		combined = append(combined, before[i])
	}
	combined = append(combined, sorted...)
	combined = append(combined, after...)

	inBatch := make(map[int64]bool, len(batch))
	for _, p := range batch {
		inBatch[p.ID] = true
	}

	var ids []int64
	for _, i := range DetectAnomalies(combined, f.cfg) {
		if inBatch[combined[i].ID] {
			ids = append(ids, combined[i].ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if err := f.store.MarkInvalid(ctx, ids); err != nil {
		return nil, fmt.Errorf("failed to mark anomalies: %w", err)
	}
	metrics.PointsFlagged.WithLabelValues("invalid").Add(float64(len(ids)))
	f.log.Debug().Str("user", scope.Username).Int("flagged", len(ids)).Int("batch", len(batch)).Msg("Anomalies flagged")
	return ids, nil
}

// sortPoints orders by timestamp, then coordinates, real before synthetic
func sortPoints(points []models.LocationPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return pointLess(points[i], points[j])
	})
}

func pointLess(a, b models.LocationPoint) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Latitude != b.Latitude {
		return a.Latitude < b.Latitude
	}
	if a.Longitude != b.Longitude {
		return a.Longitude < b.Longitude
	}
	return !a.Synthetic && b.Synthetic
}
