package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// PlaceRepository handles database operations for significant places
type PlaceRepository struct {
	db *database.DB
}

// NewPlaceRepository creates a new place repository
func NewPlaceRepository(db *database.DB) *PlaceRepository {
	return &PlaceRepository{db: db}
}

const placeColumns = `id, username, preview_id, name, type, address, city, country_code, latitude, longitude,
	polygon, timezone, geocoded, version, created_at`

func scanPlace(row interface{ Scan(...interface{}) error }) (models.SignificantPlace, error) {
	var (
		p         models.SignificantPlace
		geocoded  int
		createdAt int64
	)
	err := row.Scan(&p.ID, &p.Username, &p.PreviewID, &p.Name, &p.Type, &p.Address, &p.City, &p.CountryCode,
		&p.Latitude, &p.Longitude, &p.Polygon, &p.Timezone, &geocoded, &p.Version, &createdAt)
	p.Geocoded = geocoded == 1
	p.CreatedAt = fromMillis(createdAt)
	return p, err
}

func (r *PlaceRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.SignificantPlace, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query places: %w", err)
	}
	defer rows.Close()

	var places []models.SignificantPlace
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan place: %w", err)
		}
		places = append(places, p)
	}
	return places, rows.Err()
}

// FindCandidates returns places with a polygon, plus places whose centroid lies in the
// degree box around (lat, lon); the caller applies exact containment and distance tests
func (r *PlaceRepository) FindCandidates(ctx context.Context, scope models.Scope, lat, lon, dLat, dLon float64) ([]models.SignificantPlace, error) {
	return r.list(ctx, `SELECT `+placeColumns+` FROM significant_places
		WHERE username = ? AND preview_id = ? AND (polygon != ''
			OR (latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?))
		ORDER BY id`,
		scope.Username, scope.PreviewID, lat-dLat, lat+dLat, lon-dLon, lon+dLon)
}

// List returns every place in scope
func (r *PlaceRepository) List(ctx context.Context, scope models.Scope) ([]models.SignificantPlace, error) {
	return r.list(ctx, `SELECT `+placeColumns+` FROM significant_places
		WHERE username = ? AND preview_id = ? ORDER BY id`, scope.Username, scope.PreviewID)
}

// GetMany returns places keyed by id
func (r *PlaceRepository) GetMany(ctx context.Context, ids []int64) (map[int64]models.SignificantPlace, error) {
	out := make(map[int64]models.SignificantPlace, len(ids))
	for _, part := range chunk(ids, 500) {
		places, err := r.list(ctx, `SELECT `+placeColumns+` FROM significant_places WHERE id IN (`+placeholders(len(part))+`)`,
			int64Args(part)...)
		if err != nil {
			return nil, err
		}
		for _, p := range places {
			out[p.ID] = p
		}
	}
	return out, nil
}

// Get returns the place in scope or models.ErrNotFound
func (r *PlaceRepository) Get(ctx context.Context, scope models.Scope, id int64) (*models.SignificantPlace, error) {
	p, err := scanPlace(r.db.QueryRowContext(ctx, `SELECT `+placeColumns+` FROM significant_places
		WHERE id = ? AND username = ? AND preview_id = ?`, id, scope.Username, scope.PreviewID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get place: %w", err)
	}
	return &p, nil
}

// Create persists a new place
func (r *PlaceRepository) Create(ctx context.Context, scope models.Scope, p models.SignificantPlace) (*models.SignificantPlace, error) {
	if p.Type == "" {
		p.Type = models.PlaceTypeUnknown
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO significant_places (username, preview_id, name, type, address, city,
			country_code, latitude, longitude, polygon, timezone, geocoded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scope.Username, scope.PreviewID, p.Name, p.Type, p.Address, p.City, p.CountryCode,
		p.Latitude, p.Longitude, p.Polygon, p.Timezone, boolInt(p.Geocoded), toMillis(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create place: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	p.Username = scope.Username
	p.PreviewID = scope.PreviewID
	p.Version = 1
	return &p, nil
}

// Update applies the non-nil fields with a compare-and-swap on version.
// A stale version yields *models.VersionConflictError.
func (r *PlaceRepository) Update(ctx context.Context, scope models.Scope, id int64, u models.PlaceUpdate) (*models.SignificantPlace, error) {
	var sets []string
	var args []interface{}

	add := func(column string, v *string) {
		if v != nil {
			sets = append(sets, column+" = ?")
			args = append(args, *v)
		}
	}
	add("name", u.Name)
	add("type", u.Type)
	add("timezone", u.Timezone)
	add("polygon", u.Polygon)
	add("address", u.Address)
	add("city", u.City)
	add("country_code", u.CountryCode)
	if u.Address != nil || u.City != nil || u.CountryCode != nil {
		sets = append(sets, "geocoded = 1")
	}
	sets = append(sets, "version = version + 1")

	query := `UPDATE significant_places SET ` + strings.Join(sets, ", ") + `
		WHERE id = ? AND username = ? AND preview_id = ? AND version = ?`
	args = append(args, id, scope.Username, scope.PreviewID, u.Version)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update place: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, scope, id); err != nil {
			return nil, err
		}
		return nil, &models.VersionConflictError{Entity: "place", ID: id, ExpectedVersion: u.Version}
	}
	return r.Get(ctx, scope, id)
}
