package service

import (
	"context"
	"fmt"
	"math"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
	"github.com/jengzang/trail-pipeline/internal/spatial"
)

// PlaceService edits significant places and the overrides applied when places are created
type PlaceService struct {
	places    *repository.PlaceRepository
	overrides *repository.OverrideRepository
}

// NewPlaceService creates a new place service
func NewPlaceService(places *repository.PlaceRepository, overrides *repository.OverrideRepository) *PlaceService {
	return &PlaceService{places: places, overrides: overrides}
}

// List returns every place in the scope
func (s *PlaceService) List(ctx context.Context, scope models.Scope) ([]models.SignificantPlace, error) {
	places, err := s.places.List(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list places: %w", err)
	}
	if places == nil {
		places = []models.SignificantPlace{}
	}
	return places, nil
}

// Update applies a versioned edit. A stale version yields *models.VersionConflictError.
func (s *PlaceService) Update(ctx context.Context, scope models.Scope, id int64, u models.PlaceUpdate) (*models.SignificantPlace, error) {
	if u.Polygon != nil && *u.Polygon != "" {
		if _, err := spatial.ParsePolygon(*u.Polygon); err != nil {
			return nil, fmt.Errorf("%w: polygon: %v", models.ErrInvalidInput, err)
		}
	}
	return s.places.Update(ctx, scope, id, u)
}

// CreateOverride stores a rule for places created at exactly the given coordinate
func (s *PlaceService) CreateOverride(ctx context.Context, username string, o models.PlaceOverride) (*models.PlaceOverride, error) {
	if math.IsNaN(o.Latitude) || math.IsNaN(o.Longitude) ||
		o.Latitude < -90 || o.Latitude > 90 || o.Longitude < -180 || o.Longitude > 180 {
		return nil, fmt.Errorf("%w: coordinate out of range", models.ErrInvalidInput)
	}
	if o.Polygon != "" {
		if _, err := spatial.ParsePolygon(o.Polygon); err != nil {
			return nil, fmt.Errorf("%w: polygon: %v", models.ErrInvalidInput, err)
		}
	}
	o.Username = username
	return s.overrides.Upsert(ctx, o)
}
