package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/metrics"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// BatchConfig bounds how long and how large a pending batch may grow
type BatchConfig struct {
	BatchSize     int           `koanf:"batch_size"`
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// DefaultBatchConfig provides default batching limits
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:     100,
		IdleTimeout:   5 * time.Second,
		SweepInterval: time.Second,
	}
}

// FlushFunc receives a complete batch
type FlushFunc func(ctx context.Context, scope models.Scope, points []models.LocationPoint) error

type pendingBatch struct {
	points  []models.LocationPoint
	touched time.Time
}

// Batcher coalesces a user's incoming points and flushes them by size or idle time
type Batcher struct {
	mu      sync.Mutex
	pending map[string]*pendingBatch
	total   int

	cfg   BatchConfig
	flush FlushFunc
	now   func() time.Time
	log   zerolog.Logger
}

// NewBatcher creates a new batcher
func NewBatcher(cfg BatchConfig, flush FlushFunc) *Batcher {
	return &Batcher{
		pending: make(map[string]*pendingBatch),
		cfg:     cfg,
		flush:   flush,
		now:     time.Now,
		log:     logging.Component("batcher"),
	}
}

// Add queues points for username. A batch that reached the size limit, or sat idle
// past the timeout before these points arrived, is flushed before Add returns.
func (b *Batcher) Add(ctx context.Context, username string, points []models.LocationPoint) {
	if len(points) == 0 {
		return
	}

	var ready [][]models.LocationPoint
	b.mu.Lock()
	now := b.now()
	batch, ok := b.pending[username]
	if ok && now.Sub(batch.touched) >= b.cfg.IdleTimeout {
		ready = append(ready, b.takeLocked(username))
		ok = false
	}
	if !ok {
		batch = &pendingBatch{}
		b.pending[username] = batch
	}
	batch.points = append(batch.points, points...)
	batch.touched = now
	b.total += len(points)
	if len(batch.points) >= b.cfg.BatchSize {
		ready = append(ready, b.takeLocked(username))
	}
	metrics.PendingBatchPoints.Set(float64(b.total))
	b.mu.Unlock()

	for _, pts := range ready {
		b.deliver(ctx, username, pts)
	}
}

// Sweep flushes every batch idle for longer than the timeout
func (b *Batcher) Sweep(ctx context.Context) {
	b.flushWhere(ctx, func(batch *pendingBatch, now time.Time) bool {
		return now.Sub(batch.touched) >= b.cfg.IdleTimeout
	})
}

// FlushAll flushes every pending batch regardless of age
func (b *Batcher) FlushAll(ctx context.Context) {
	b.flushWhere(ctx, func(*pendingBatch, time.Time) bool { return true })
}

// Pending returns the number of points waiting for a flush
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Serve sweeps idle batches until ctx ends, then flushes what is left
func (b *Batcher) Serve(ctx context.Context) error {
	interval := b.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.FlushAll(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// String names the service in supervisor logs
func (b *Batcher) String() string {
	return "ingest-batcher"
}

func (b *Batcher) flushWhere(ctx context.Context, due func(*pendingBatch, time.Time) bool) {
	ready := make(map[string][]models.LocationPoint)
	b.mu.Lock()
	now := b.now()
	for username, batch := range b.pending {
		if due(batch, now) {
			ready[username] = b.takeLocked(username)
		}
	}
	metrics.PendingBatchPoints.Set(float64(b.total))
	b.mu.Unlock()

	for username, pts := range ready {
		b.deliver(ctx, username, pts)
	}
}

func (b *Batcher) takeLocked(username string) []models.LocationPoint {
	batch := b.pending[username]
	delete(b.pending, username)
	b.total -= len(batch.points)
	return batch.points
}

// deliver detaches from the caller's cancellation: the points were already acknowledged
func (b *Batcher) deliver(ctx context.Context, username string, points []models.LocationPoint) {
	if err := b.flush(context.WithoutCancel(ctx), models.Live(username), points); err != nil {
		// at-least-once delivery upstream covers the loss; nothing is retried here
		b.log.Error().Err(err).Str("username", username).Int("points", len(points)).Msg("Failed to flush batch")
	}
}
