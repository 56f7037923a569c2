package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/metrics"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// Debouncer delays a trigger until a scope has been quiet for the delay;
// every new trigger for the same scope restarts its timer
type Debouncer struct {
	mu     sync.Mutex
	timers map[models.Scope]*time.Timer
	delay  time.Duration
	fire   func(models.Scope)
}

// NewDebouncer creates a new debouncer
func NewDebouncer(delay time.Duration, fire func(models.Scope)) *Debouncer {
	return &Debouncer{
		timers: make(map[models.Scope]*time.Timer),
		delay:  delay,
		fire:   fire,
	}
}

// Trigger schedules or reschedules the scope
func (d *Debouncer) Trigger(scope models.Scope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[scope]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.timers[scope] != t {
			d.mu.Unlock()
			return
		}
		delete(d.timers, scope)
		d.mu.Unlock()
		d.fire(scope)
	})
	d.timers[scope] = t
}

// Stop cancels every pending trigger
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for scope, t := range d.timers {
		t.Stop()
		delete(d.timers, scope)
	}
}

// JobFunc processes one scope
type JobFunc func(ctx context.Context, scope models.Scope) error

// WorkerPool runs jobs from a bounded queue. A scope already waiting in the
// queue is not queued twice, and a full queue drops the submission.
type WorkerPool struct {
	queue   chan models.Scope
	mu      sync.Mutex
	queued  map[models.Scope]bool
	workers int
	run     JobFunc
	log     zerolog.Logger
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workers, queueSize int, run JobFunc) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &WorkerPool{
		queue:   make(chan models.Scope, queueSize),
		queued:  make(map[models.Scope]bool),
		workers: workers,
		run:     run,
		log:     logging.Component("worker-pool"),
	}
}

// Submit enqueues a scope without blocking and reports whether it is queued
func (p *WorkerPool) Submit(scope models.Scope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.queued[scope] {
		return true
	}
	select {
	case p.queue <- scope:
		p.queued[scope] = true
		metrics.QueuedJobs.Set(float64(len(p.queue)))
		return true
	default:
		metrics.TriggersDropped.Inc()
		p.log.Warn().Str("username", scope.Username).Str("preview_id", scope.PreviewID).Msg("Queue full, dropping trigger")
		return false
	}
}

// Trigger submits the scope; it lets the pool stand behind a Debouncer
func (p *WorkerPool) Trigger(scope models.Scope) {
	p.Submit(scope)
}

// Serve runs the workers until ctx ends. Jobs in flight run to completion.
func (p *WorkerPool) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case scope := <-p.queue:
					p.mu.Lock()
					delete(p.queued, scope)
					metrics.QueuedJobs.Set(float64(len(p.queue)))
					p.mu.Unlock()

					if err := p.run(context.WithoutCancel(gctx), scope); err != nil {
						p.log.Error().Err(err).Str("username", scope.Username).Str("preview_id", scope.PreviewID).Msg("Pipeline run failed")
					}
				}
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// String names the service in supervisor logs
func (p *WorkerPool) String() string {
	return "pipeline-workers"
}
