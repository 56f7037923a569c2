package service

import (
	"context"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/pipeline"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

// IngestResult reports what happened to an ingest batch
type IngestResult struct {
	Accepted int            `json:"accepted"`
	Dropped  int            `json:"dropped"`
	Reasons  map[string]int `json:"reasons,omitempty"`
}

// PointService accepts raw points and schedules reprocessing
type PointService struct {
	batcher *pipeline.Batcher
	points  *repository.PointRepository
	trigger pipeline.Trigger
}

// NewPointService creates a new point service
func NewPointService(batcher *pipeline.Batcher, points *repository.PointRepository, trigger pipeline.Trigger) *PointService {
	return &PointService{
		batcher: batcher,
		points:  points,
		trigger: trigger,
	}
}

// Ingest validates a batch and hands the valid points to the batcher.
// Malformed points are dropped and counted; the rest of the batch continues.
func (s *PointService) Ingest(ctx context.Context, username string, raw []models.IngestPoint) (*IngestResult, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", models.ErrInvalidInput)
	}

	valid, reasons := pipeline.ValidatePoints(username, raw)
	if len(valid) > 0 {
		s.batcher.Add(ctx, username, valid)
	}

	return &IngestResult{
		Accepted: len(valid),
		Dropped:  len(raw) - len(valid),
		Reasons:  reasons,
	}, nil
}

// Reprocess marks the user's live points in tr unprocessed and triggers the pipeline
func (s *PointService) Reprocess(ctx context.Context, username string, tr models.TimeRange) (int64, error) {
	scope := models.Live(username)
	n, err := s.points.MarkUnprocessed(ctx, scope, tr)
	if err != nil {
		return 0, fmt.Errorf("failed to mark points unprocessed: %w", err)
	}
	if n > 0 {
		s.trigger.Trigger(scope)
	}
	return n, nil
}
