package behavior

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
	"github.com/jengzang/trail-pipeline/internal/spatial"
)

// PlaceResolver maps a visit coordinate to a significant place, creating one if needed
type PlaceResolver interface {
	Resolve(ctx context.Context, scope models.Scope, lat, lon float64, cfg models.VisitMerging) (*models.SignificantPlace, error)
}

// PointFinder reads stored points; the merger and trip detector use it for path lengths
type PointFinder interface {
	Find(ctx context.Context, scope models.Scope, q repository.PointQuery) ([]models.LocationPoint, error)
}

// VisitMerger folds candidate visits at the same place into processed visits
type VisitMerger struct {
	places PlaceResolver
	points PointFinder
	log    zerolog.Logger
}

// NewVisitMerger creates a new visit merger
func NewVisitMerger(places PlaceResolver, points PointFinder) *VisitMerger {
	return &VisitMerger{
		places: places,
		points: points,
		log:    logging.Component("visit-merger"),
	}
}

type mergeRun struct {
	place *models.SignificantPlace
	start time.Time
	end   time.Time
}

// Merge resolves each visit to a place and merges consecutive visits at the same
// place when the gap between them is short or the user barely moved. Visits that
// start inside the current run are skipped, so the output never overlaps.
func (m *VisitMerger) Merge(ctx context.Context, scope models.Scope, visits []models.Visit, cfg models.VisitMerging) ([]models.ProcessedVisit, error) {
	sorted := append([]models.Visit(nil), visits...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].StartTime.Equal(sorted[j].StartTime) {
			return sorted[i].StartTime.Before(sorted[j].StartTime)
		}
		return sorted[i].EndTime.Before(sorted[j].EndTime)
	})

	var (
		out     []models.ProcessedVisit
		run     *mergeRun
		lastEnd time.Time
		skipped int
	)

	flush := func() {
		if run == nil {
			return
		}
		if run.end.After(run.start) {
			out = append(out, models.ProcessedVisit{
				Username:        scope.Username,
				PreviewID:       scope.PreviewID,
				PlaceID:         run.place.ID,
				StartTime:       run.start,
				EndTime:         run.end,
				DurationSeconds: int64(run.end.Sub(run.start) / time.Second),
				Place:           run.place,
			})
			lastEnd = run.end
		}
		run = nil
	}

	for _, v := range sorted {
		if run != nil && v.StartTime.Before(run.end) {
			skipped++
			continue
		}

		place, err := m.places.Resolve(ctx, scope, v.Latitude, v.Longitude, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve place for visit %d: %w", v.ID, err)
		}

		if run != nil && run.place.ID == place.ID {
			ok, err := m.shouldMerge(ctx, scope, run.end, v.StartTime, cfg)
			if err != nil {
				return nil, err
			}
			if ok {
				if v.EndTime.After(run.end) {
					run.end = v.EndTime
				}
				continue
			}
		}

		flush()
		start := v.StartTime
		if start.Before(lastEnd) {
			start = lastEnd
		}
		end := v.EndTime
		if end.Before(start) {
			end = start
		}
		run = &mergeRun{place: place, start: start, end: end}
	}
	flush()

	if skipped > 0 {
		m.log.Debug().Str("username", scope.Username).Int("skipped", skipped).Msg("Skipped overlapping visits")
	}
	return out, nil
}

// shouldMerge decides for two runs at the same place: short gaps always merge, longer
// ones only if the recorded path between them stays under the minimum visit distance
func (m *VisitMerger) shouldMerge(ctx context.Context, scope models.Scope, from, to time.Time, cfg models.VisitMerging) (bool, error) {
	if to.Sub(from) <= cfg.MaxMergeGap() {
		return true, nil
	}
	dist, err := pathLength(ctx, m.points, scope, models.TimeRange{Start: from, End: to})
	if err != nil {
		return false, err
	}
	return dist <= cfg.MinDistanceBetweenVisitsMeters, nil
}

// pathLength sums the distance through the usable points recorded in tr
func pathLength(ctx context.Context, points PointFinder, scope models.Scope, tr models.TimeRange) (float64, error) {
	pts, err := points.Find(ctx, scope, repository.PointQuery{Range: tr, UsableOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to load path points: %w", err)
	}
	coords := make([]spatial.Point, len(pts))
	for i, p := range pts {
		coords[i] = spatial.Point{Lat: p.Latitude, Lon: p.Longitude}
	}
	return spatial.PathLength(coords), nil
}
