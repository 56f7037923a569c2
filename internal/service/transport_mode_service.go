package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

// TransportModeService manages the per-user speed thresholds
type TransportModeService struct {
	repo *repository.TransportModeRepository
}

// NewTransportModeService creates a new transport mode service
func NewTransportModeService(repo *repository.TransportModeRepository) *TransportModeService {
	return &TransportModeService{repo: repo}
}

// Get returns the user's table, or the defaults
func (s *TransportModeService) Get(ctx context.Context, username string) ([]models.TransportModeThreshold, error) {
	return s.repo.Get(ctx, username)
}

// Replace validates and stores a new table, ordered by ascending speed
func (s *TransportModeService) Replace(ctx context.Context, username string, modes []models.TransportModeThreshold) ([]models.TransportModeThreshold, error) {
	if len(modes) == 0 {
		return nil, fmt.Errorf("%w: at least one mode is required", models.ErrInvalidInput)
	}

	seen := make(map[string]bool, len(modes))
	out := make([]models.TransportModeThreshold, 0, len(modes))
	for _, m := range modes {
		name := strings.ToUpper(strings.TrimSpace(m.Mode))
		if name == "" || m.MaxSpeedKmh <= 0 {
			return nil, fmt.Errorf("%w: mode %q needs a name and a positive speed", models.ErrInvalidInput, m.Mode)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: mode %s listed twice", models.ErrInvalidInput, name)
		}
		seen[name] = true
		out = append(out, models.TransportModeThreshold{Mode: name, MaxSpeedKmh: m.MaxSpeedKmh})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MaxSpeedKmh < out[j].MaxSpeedKmh })

	if err := s.repo.Replace(ctx, username, out); err != nil {
		return nil, err
	}
	return out, nil
}
