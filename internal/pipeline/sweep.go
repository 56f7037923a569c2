package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

// Sweeper periodically re-triggers every user with a backlog and purges expired previews
type Sweeper struct {
	points   *repository.PointRepository
	previews *repository.PreviewRepository
	trigger  Trigger
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewSweeper creates a new sweeper
func NewSweeper(repos *repository.Repositories, trigger Trigger, cfg Config) *Sweeper {
	return &Sweeper{
		points:   repos.Points,
		previews: repos.Previews,
		trigger:  trigger,
		interval: cfg.GlobalSweepInterval,
		ttl:      cfg.PreviewTTL,
		now:      time.Now,
		log:      logging.Component("sweeper"),
	}
}

// SweepOnce runs one pass
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	users, err := s.points.UsersWithUnprocessed(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		s.trigger.Trigger(models.Live(u))
	}

	purged, err := s.purgePreviews(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 || purged > 0 {
		s.log.Info().Int("users", len(users)).Int("previews_purged", purged).Msg("Sweep finished")
	}
	return nil
}

func (s *Sweeper) purgePreviews(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	expired, err := s.previews.Expired(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, scope := range expired {
		g.Go(func() error {
			if err := s.previews.Delete(gctx, scope); err != nil {
				return fmt.Errorf("failed to purge preview %s: %w", scope.PreviewID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(expired), nil
}

// Serve sweeps on every interval until ctx ends
func (s *Sweeper) Serve(ctx context.Context) error {
	interval := s.interval
	if interval <= 0 {
		interval = DefaultConfig().GlobalSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// String names the service in supervisor logs
func (s *Sweeper) String() string {
	return "global-sweep"
}
