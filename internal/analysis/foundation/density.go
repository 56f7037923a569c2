package foundation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/metrics"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
	"github.com/jengzang/trail-pipeline/internal/spatial"
)

// DensityConfig holds the process-wide density targets; gap and distance ceilings
// come from the user's DetectionParameter
type DensityConfig struct {
	TargetPointsPerMinute float64 `koanf:"target_points_per_minute"`

	// MinGapSeconds is the smallest gap worth filling
	MinGapSeconds int64 `koanf:"min_gap_seconds"`

	// TrimToleranceSeconds: consecutive points closer than this are thinned.
	// Zero means half the target spacing.
	TrimToleranceSeconds int64 `koanf:"trim_tolerance_seconds"`
}

// DefaultDensityConfig provides default density targets
func DefaultDensityConfig() DensityConfig {
	return DensityConfig{
		TargetPointsPerMinute: 2,
		MinGapSeconds:         60,
	}
}

// Spacing is the interval between generated points
func (c DensityConfig) Spacing() time.Duration {
	if c.TargetPointsPerMinute <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Minute) / c.TargetPointsPerMinute)
}

// TrimTolerance is the gap below which consecutive points are thinned
func (c DensityConfig) TrimTolerance() time.Duration {
	if c.TrimToleranceSeconds > 0 {
		return time.Duration(c.TrimToleranceSeconds) * time.Second
	}
	return c.Spacing() / 2
}

// ParameterResolver picks the detection parameters active at a reference time
type ParameterResolver interface {
	Resolve(ctx context.Context, scope models.Scope, ref time.Time) (models.DetectionParameter, error)
}

// DensityStore is the storage the density normalizer needs
type DensityStore interface {
	Find(ctx context.Context, scope models.Scope, q repository.PointQuery) ([]models.LocationPoint, error)
	Insert(ctx context.Context, scope models.Scope, points []models.LocationPoint) ([]models.LocationPoint, error)
	DeleteSynthetic(ctx context.Context, scope models.Scope, tr models.TimeRange) (int64, error)
	ClearIgnored(ctx context.Context, scope models.Scope, tr models.TimeRange) error
	MarkIgnored(ctx context.Context, ids []int64) error
}

// DensityResult summarizes one normalization pass
type DensityResult struct {
	Range       models.TimeRange
	Synthesized int
	Trimmed     int
}

// DensityNormalizer fills sparse gaps with synthetic points and thins over-dense runs
type DensityNormalizer struct {
	store  DensityStore
	params ParameterResolver
	cfg    DensityConfig
	log    zerolog.Logger
}

// NewDensityNormalizer creates a new density normalizer
func NewDensityNormalizer(store DensityStore, params ParameterResolver, cfg DensityConfig) *DensityNormalizer {
	return &DensityNormalizer{store: store, params: params, cfg: cfg, log: logging.Component("density")}
}

// Normalize recomputes synthetic points and trimming around newly ingested points.
// Rerunning it over the same data converges to the same state.
func (n *DensityNormalizer) Normalize(ctx context.Context, scope models.Scope, points []models.LocationPoint) (DensityResult, error) {
	var res DensityResult
	if len(points) == 0 {
		return res, nil
	}
	defer metrics.ObserveStage("density_normalizer", time.Now())

	tr := models.TimeRange{Start: points[0].Timestamp, End: points[0].Timestamp}
	for _, p := range points[1:] {
		tr = tr.Union(models.TimeRange{Start: p.Timestamp, End: p.Timestamp})
	}

	params, err := n.params.Resolve(ctx, scope, tr.Start)
	if err != nil {
		return res, err
	}
	density := params.LocationDensity
	tr = tr.Expand(density.MaxGap())
	res.Range = tr

	if _, err := n.store.DeleteSynthetic(ctx, scope, tr); err != nil {
		return res, err
	}
	if err := n.store.ClearIgnored(ctx, scope, tr); err != nil {
		return res, err
	}

	realPoints, err := n.store.Find(ctx, scope, repository.PointQuery{Range: tr, UsableOnly: true, RealOnly: true})
	if err != nil {
		return res, err
	}

	synthetic := n.interpolate(realPoints, density)
	if len(synthetic) > 0 {
		inserted, err := n.store.Insert(ctx, scope, synthetic)
		if err != nil {
			return res, fmt.Errorf("failed to insert synthetic points: %w", err)
		}
		res.Synthesized = len(inserted)
		metrics.PointsSynthesized.Add(float64(len(inserted)))
	}

	combined, err := n.store.Find(ctx, scope, repository.PointQuery{Range: tr, UsableOnly: true})
	if err != nil {
		return res, err
	}
	ignored := n.trim(combined)
	if err := n.store.MarkIgnored(ctx, ignored); err != nil {
		return res, err
	}
	res.Trimmed = len(ignored)
	metrics.PointsFlagged.WithLabelValues("ignored").Add(float64(len(ignored)))

	n.log.Debug().
		Str("user", scope.Username).
		Str("preview", scope.PreviewID).
		Time("from", tr.Start).
		Time("to", tr.End).
		Int("synthesized", res.Synthesized).
		Int("trimmed", res.Trimmed).
		Msg("Density normalized")
	return res, nil
}

type gapKey struct {
	from, to int64
}

// interpolate generates points at the target spacing for every qualifying gap
func (n *DensityNormalizer) interpolate(points []models.LocationPoint, density models.LocationDensity) []models.LocationPoint {
	sortPoints(points)

	spacing := n.cfg.Spacing()
	minGap := time.Duration(n.cfg.MinGapSeconds) * time.Second
	if minGap < spacing {
		minGap = spacing
	}
	maxGap := density.MaxGap()

	seen := make(map[gapKey]bool)
	var out []models.LocationPoint
	for i := 0; i+1 < len(points); i++ {
		a, b := points[i], points[i+1]
		gap := b.Timestamp.Sub(a.Timestamp)
		if gap <= minGap || gap > maxGap {
			continue
		}

		key := gapKey{from: a.Timestamp.UnixMilli(), to: b.Timestamp.UnixMilli()}
		if seen[key] {
			continue
		}
		seen[key] = true

		from := spatial.Point{Lat: a.Latitude, Lon: a.Longitude}
		to := spatial.Point{Lat: b.Latitude, Lon: b.Longitude}
		if spatial.Distance(from, to) > density.MaxInterpolationDistanceMeters {
			continue
		}

		for offset := spacing; offset < gap; offset += spacing {
			f := float64(offset) / float64(gap)
			pos := spatial.Interpolate(from, to, f)
			out = append(out, models.LocationPoint{
				Timestamp: a.Timestamp.Add(offset),
				Latitude:  pos.Lat,
				Longitude: pos.Lon,
				Accuracy:  lerpOptional(a.Accuracy, b.Accuracy, f),
				Elevation: lerpOptional(a.Elevation, b.Elevation, f),
				Synthetic: true,
				Processed: true,
			})
		}
	}
	return out
}

func lerpOptional(a, b *float64, f float64) *float64 {
	switch {
	case a != nil && b != nil:
		v := *a + (*b-*a)*f
		return &v
	case a != nil:
		v := *a
		return &v
	case b != nil:
		v := *b
		return &v
	default:
		return nil
	}
}

// trim walks the sorted points and, for each pair closer than the tolerance, marks
// the loser ignored; the winner is compared against the next point. Each point is
// flagged at most once.
func (n *DensityNormalizer) trim(points []models.LocationPoint) []int64 {
	if len(points) < 2 {
		return nil
	}
	sortPoints(points)
	tolerance := n.cfg.TrimTolerance()

	var ignored []int64
	kept := points[0]
	for _, p := range points[1:] {
		if p.Timestamp.Sub(kept.Timestamp) >= tolerance {
			kept = p
			continue
		}
		if preferKeep(p, kept) {
			ignored = append(ignored, kept.ID)
			kept = p
		} else {
			ignored = append(ignored, p.ID)
		}
	}
	return ignored
}

// preferKeep reports whether a should survive over b
func preferKeep(a, b models.LocationPoint) bool {
	if a.Synthetic != b.Synthetic {
		return !a.Synthetic
	}
	if a.Accuracy != nil && b.Accuracy != nil && *a.Accuracy != *b.Accuracy {
		return *a.Accuracy < *b.Accuracy
	}
	if (a.Accuracy == nil) != (b.Accuracy == nil) {
		return a.Accuracy != nil
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Latitude != b.Latitude {
		return a.Latitude < b.Latitude
	}
	return a.Longitude < b.Longitude
}
