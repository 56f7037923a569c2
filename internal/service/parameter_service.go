package service

import (
	"context"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

// ParameterService manages a user's versioned detection parameters
type ParameterService struct {
	repo *repository.ParameterRepository
}

// NewParameterService creates a new parameter service
func NewParameterService(repo *repository.ParameterRepository) *ParameterService {
	return &ParameterService{repo: repo}
}

// List returns every stored version, newest validSince first
func (s *ParameterService) List(ctx context.Context, scope models.Scope) ([]models.DetectionParameter, error) {
	params, err := s.repo.List(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection parameters: %w", err)
	}
	if params == nil {
		params = []models.DetectionParameter{}
	}
	return params, nil
}

// Create stores a new version
func (s *ParameterService) Create(ctx context.Context, scope models.Scope, p models.DetectionParameter) (*models.DetectionParameter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Create(ctx, scope, p)
}

// Update replaces a version; p.Version must match the stored one
func (s *ParameterService) Update(ctx context.Context, scope models.Scope, p models.DetectionParameter) (*models.DetectionParameter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Update(ctx, scope, p)
}
