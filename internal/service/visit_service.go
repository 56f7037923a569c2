package service

import (
	"context"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

// VisitService reads processed visits together with their places
type VisitService struct {
	visits *repository.ProcessedVisitRepository
	places *repository.PlaceRepository
}

// NewVisitService creates a new visit service
func NewVisitService(visits *repository.ProcessedVisitRepository, places *repository.PlaceRepository) *VisitService {
	return &VisitService{visits: visits, places: places}
}

// List returns processed visits overlapping the filter range
func (s *VisitService) List(ctx context.Context, scope models.Scope, filter models.RangeFilter) ([]models.ProcessedVisit, error) {
	tr, err := filter.Range()
	if err != nil {
		return nil, err
	}

	visits, err := s.visits.List(ctx, scope, tr, filter.PageLimit())
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	if len(visits) == 0 {
		return []models.ProcessedVisit{}, nil
	}

	ids := make([]int64, 0, len(visits))
	for _, v := range visits {
		ids = append(ids, v.PlaceID)
	}
	places, err := s.places.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load places: %w", err)
	}
	for i := range visits {
		if p, ok := places[visits[i].PlaceID]; ok {
			visits[i].Place = &p
		}
	}
	return visits, nil
}
