package service

import (
	"context"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/pipeline"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

// PreviewRequest asks for a trial run of parameters over a live range
type PreviewRequest struct {
	Start      string                    `json:"start" binding:"required"`
	End        string                    `json:"end" binding:"required"`
	Parameters models.DetectionParameter `json:"parameters"`
}

// PreviewService runs and reads parameter previews
type PreviewService struct {
	runner   *pipeline.PreviewRunner
	previews *repository.PreviewRepository
	visits   *VisitService
	trips    *TripService
}

// NewPreviewService creates a new preview service
func NewPreviewService(runner *pipeline.PreviewRunner, previews *repository.PreviewRepository, visits *VisitService, trips *TripService) *PreviewService {
	return &PreviewService{runner: runner, previews: previews, visits: visits, trips: trips}
}

// Create runs the detection chain over a copy of the live range
func (s *PreviewService) Create(ctx context.Context, username string, req PreviewRequest) (*models.Preview, error) {
	tr, err := models.RangeFilter{Start: req.Start, End: req.End}.Range()
	if err != nil {
		return nil, err
	}
	if err := req.Parameters.Validate(); err != nil {
		return nil, err
	}
	preview, err := s.runner.Run(ctx, username, tr, req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to run preview: %w", err)
	}
	return preview, nil
}

// Visits returns the preview's processed visits
func (s *PreviewService) Visits(ctx context.Context, username, previewID string, filter models.RangeFilter) ([]models.ProcessedVisit, error) {
	scope, err := s.scope(ctx, username, previewID)
	if err != nil {
		return nil, err
	}
	return s.visits.List(ctx, scope, filter)
}

// Trips returns the preview's trips
func (s *PreviewService) Trips(ctx context.Context, username, previewID string, filter models.RangeFilter) ([]models.Trip, error) {
	scope, err := s.scope(ctx, username, previewID)
	if err != nil {
		return nil, err
	}
	return s.trips.List(ctx, scope, filter)
}

// Delete removes the preview and all of its data
func (s *PreviewService) Delete(ctx context.Context, username, previewID string) error {
	scope, err := s.scope(ctx, username, previewID)
	if err != nil {
		return err
	}
	return s.previews.Delete(ctx, scope)
}

func (s *PreviewService) scope(ctx context.Context, username, previewID string) (models.Scope, error) {
	p, err := s.previews.Get(ctx, username, previewID)
	if err != nil {
		return models.Scope{}, err
	}
	return models.Scope{Username: p.Username, PreviewID: p.ID}, nil
}
