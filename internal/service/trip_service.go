package service

import (
	"context"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

// TripService handles business logic for trips
type TripService struct {
	repo *repository.TripRepository
}

// NewTripService creates a new trip service
func NewTripService(repo *repository.TripRepository) *TripService {
	return &TripService{repo: repo}
}

// List returns trips overlapping the filter range
func (s *TripService) List(ctx context.Context, scope models.Scope, filter models.RangeFilter) ([]models.Trip, error) {
	tr, err := filter.Range()
	if err != nil {
		return nil, err
	}
	trips, err := s.repo.List(ctx, scope, tr, filter.PageLimit())
	if err != nil {
		return nil, fmt.Errorf("failed to list trips: %w", err)
	}
	if trips == nil {
		trips = []models.Trip{}
	}
	return trips, nil
}
