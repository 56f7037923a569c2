package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// OverrideRepository handles user-defined place overrides
type OverrideRepository struct {
	db *database.DB
}

// NewOverrideRepository creates a new override repository
func NewOverrideRepository(db *database.DB) *OverrideRepository {
	return &OverrideRepository{db: db}
}

// FindExact returns the override at exactly (lat, lon), or nil
func (r *OverrideRepository) FindExact(ctx context.Context, username string, lat, lon float64) (*models.PlaceOverride, error) {
	var o models.PlaceOverride
	err := r.db.QueryRowContext(ctx, `SELECT id, username, latitude, longitude, name, type, timezone, polygon
		FROM place_overrides WHERE username = ? AND latitude = ? AND longitude = ?`, username, lat, lon).
		Scan(&o.ID, &o.Username, &o.Latitude, &o.Longitude, &o.Name, &o.Type, &o.Timezone, &o.Polygon)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get place override: %w", err)
	}
	return &o, nil
}

// Upsert stores an override, replacing any existing one at the same coordinate
func (r *OverrideRepository) Upsert(ctx context.Context, o models.PlaceOverride) (*models.PlaceOverride, error) {
	err := r.db.QueryRowContext(ctx, `INSERT INTO place_overrides (username, latitude, longitude, name, type, timezone, polygon)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (username, latitude, longitude) DO UPDATE SET
			name = excluded.name, type = excluded.type, timezone = excluded.timezone, polygon = excluded.polygon
		RETURNING id`,
		o.Username, o.Latitude, o.Longitude, o.Name, o.Type, o.Timezone, o.Polygon).Scan(&o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to store place override: %w", err)
	}
	return &o, nil
}
