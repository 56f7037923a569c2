package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jengzang/trail-pipeline/internal/analysis/behavior"
	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/metrics"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

// Config controls scheduling of pipeline runs
type Config struct {
	TriggerDebounce     time.Duration `koanf:"trigger_debounce"`
	PageSize            int           `koanf:"page_size"`
	Workers             int           `koanf:"workers"`
	QueueSize           int           `koanf:"queue_size"`
	GlobalSweepInterval time.Duration `koanf:"global_sweep_interval"`
	PreviewTTL          time.Duration `koanf:"preview_ttl"`
}

// DefaultConfig provides default scheduling settings
func DefaultConfig() Config {
	return Config{
		TriggerDebounce:     5 * time.Second,
		PageSize:            5000,
		Workers:             4,
		QueueSize:           256,
		GlobalSweepInterval: 10 * time.Minute,
		PreviewTTL:          24 * time.Hour,
	}
}

// Notifier receives data-change notifications
type Notifier interface {
	VisitsUpdated(ctx context.Context, scope models.Scope, tr models.TimeRange)
	TripsUpdated(ctx context.Context, scope models.Scope, tr models.TimeRange)
	RawDataReceived(ctx context.Context, scope models.Scope, tr models.TimeRange)
}

// Orchestrator runs the detect, merge and trip chain for one scope at a time
type Orchestrator struct {
	repos    *repository.Repositories
	merger   *behavior.VisitMerger
	trips    *behavior.TripDetector
	notifier Notifier
	locks    *keyedMutex
	pageSize int
	log      zerolog.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(repos *repository.Repositories, places behavior.PlaceResolver, notifier Notifier, cfg Config) *Orchestrator {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultConfig().PageSize
	}
	return &Orchestrator{
		repos:    repos,
		merger:   behavior.NewVisitMerger(places, repos.Points),
		trips:    behavior.NewTripDetector(repos.Trips, repos.ProcessedVisits, repos.Places, repos.TransportModes, repos.Points),
		notifier: notifier,
		locks:    newKeyedMutex(),
		pageSize: pageSize,
		log:      logging.Component("orchestrator"),
	}
}

// ProcessUser claims pages of unprocessed points and recomputes derived records for
// each page until the backlog is empty. Live and preview runs of a user never overlap.
func (o *Orchestrator) ProcessUser(ctx context.Context, scope models.Scope) error {
	o.locks.Lock(scope.LockKey())
	defer o.locks.Unlock(scope.LockKey())

	mode := "live"
	if scope.IsPreview() {
		mode = "preview"
	}
	start := time.Now()

	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, claimed, err := o.repos.Points.ClaimUnprocessed(ctx, scope, o.pageSize)
		if err != nil {
			metrics.PipelineRuns.WithLabelValues(mode, "error").Inc()
			return fmt.Errorf("failed to claim points: %w", err)
		}
		if claimed == 0 {
			break
		}
		pages++

		if err := o.processWindow(ctx, scope, page); err != nil {
			// hand the page back so the next trigger or sweep retries it
			if _, uerr := o.repos.Points.MarkUnprocessed(context.WithoutCancel(ctx), scope, page); uerr != nil {
				o.log.Error().Err(uerr).Str("username", scope.Username).Msg("Failed to release claimed page")
			}
			metrics.PipelineRuns.WithLabelValues(mode, "error").Inc()
			return err
		}
		if claimed < o.pageSize {
			break
		}
	}

	if pages > 0 {
		metrics.PipelineRuns.WithLabelValues(mode, "ok").Inc()
		metrics.ObserveStage("pipeline", start)
		o.log.Info().
			Str("username", scope.Username).
			Str("preview_id", scope.PreviewID).
			Int("pages", pages).
			Dur("took", time.Since(start)).
			Msg("Pipeline run finished")
	}
	return nil
}

// processWindow recomputes visits, processed visits and trips around one claimed page
func (o *Orchestrator) processWindow(ctx context.Context, scope models.Scope, page models.TimeRange) error {
	params, err := o.repos.Parameters.Resolve(ctx, scope, page.Start)
	if err != nil {
		return err
	}

	// stay points
	stageStart := time.Now()
	window, err := o.cover(ctx, scope, page.Expand(params.VisitDetection.StayPointGap()), o.repos.Visits.Cover)
	if err != nil {
		return err
	}
	points, err := o.repos.Points.Find(ctx, scope, repository.PointQuery{Range: window, UsableOnly: true})
	if err != nil {
		return err
	}
	detected := behavior.DetectStayPoints(points, params.VisitDetection)
	if _, err := o.repos.Visits.Replace(ctx, scope, window, detected); err != nil {
		return err
	}
	metrics.RecordsCreated.WithLabelValues("visit").Add(float64(len(detected)))
	metrics.ObserveStage("stay_points", stageStart)

	// merge
	stageStart = time.Now()
	mergeWindow, err := o.cover(ctx, scope, window.Expand(params.VisitMerging.SearchDuration()),
		o.repos.Visits.Cover, o.repos.ProcessedVisits.Cover)
	if err != nil {
		return err
	}
	candidates, err := o.repos.Visits.FindWithin(ctx, scope, mergeWindow)
	if err != nil {
		return err
	}
	merged, err := o.merger.Merge(ctx, scope, candidates, params.VisitMerging)
	if err != nil {
		return err
	}
	stored, err := o.repos.ProcessedVisits.Replace(ctx, scope, mergeWindow, merged)
	if err != nil {
		return err
	}
	ids := make([]int64, len(candidates))
	for i, v := range candidates {
		ids[i] = v.ID
	}
	if err := o.repos.Visits.MarkProcessed(ctx, ids); err != nil {
		return err
	}
	metrics.RecordsCreated.WithLabelValues("processed_visit").Add(float64(len(stored)))
	metrics.ObserveStage("visit_merge", stageStart)

	// trips, including the links to the nearest visits outside the window
	stageStart = time.Now()
	chain := make([]models.ProcessedVisit, 0, len(stored)+2)
	prev, err := o.repos.ProcessedVisits.Previous(ctx, scope, mergeWindow.Start.UnixMilli())
	if err != nil {
		return err
	}
	if prev != nil {
		chain = append(chain, *prev)
	}
	chain = append(chain, stored...)
	next, err := o.repos.ProcessedVisits.Next(ctx, scope, mergeWindow.End.UnixMilli())
	if err != nil {
		return err
	}
	if next != nil {
		chain = append(chain, *next)
	}
	trips, err := o.trips.Detect(ctx, scope, chain)
	if err != nil {
		return err
	}
	metrics.ObserveStage("trips", stageStart)

	if o.notifier != nil {
		o.notifier.VisitsUpdated(ctx, scope, mergeWindow)
		o.notifier.TripsUpdated(ctx, scope, mergeWindow)
	}

	o.log.Debug().
		Str("username", scope.Username).
		Str("preview_id", scope.PreviewID).
		Time("from", mergeWindow.Start).
		Time("to", mergeWindow.End).
		Int("points", len(points)).
		Int("visits", len(detected)).
		Int("processed_visits", len(stored)).
		Int("trips", len(trips)).
		Msg("Window processed")
	return nil
}

type coverFunc func(ctx context.Context, scope models.Scope, tr models.TimeRange) (models.TimeRange, error)

// cover widens tr over the records touching it. Records beyond that are kept
// as they are; the trip chain reconnects to them through Previous and Next.
func (o *Orchestrator) cover(ctx context.Context, scope models.Scope, tr models.TimeRange, fns ...coverFunc) (models.TimeRange, error) {
	out := tr
	for _, fn := range fns {
		widened, err := fn(ctx, scope, tr)
		if err != nil {
			return tr, err
		}
		out = out.Union(widened)
	}
	return out, nil
}
