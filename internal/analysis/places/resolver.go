package places

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/metrics"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/spatial"
	"github.com/jengzang/trail-pipeline/internal/timezone"
)

// PlaceStore persists significant places
type PlaceStore interface {
	FindCandidates(ctx context.Context, scope models.Scope, lat, lon, dLat, dLon float64) ([]models.SignificantPlace, error)
	Create(ctx context.Context, scope models.Scope, p models.SignificantPlace) (*models.SignificantPlace, error)
}

// OverrideStore looks up user place overrides by exact coordinate
type OverrideStore interface {
	FindExact(ctx context.Context, username string, lat, lon float64) (*models.PlaceOverride, error)
}

// Notifier is told about newly created places
type Notifier interface {
	PlaceCreated(ctx context.Context, scope models.Scope, p models.SignificantPlace)
}

// Resolver maps coordinates to significant places
type Resolver struct {
	places    PlaceStore
	overrides OverrideStore
	zones     timezone.Lookup
	notifier  Notifier
	log       zerolog.Logger
}

// NewResolver creates a new place resolver; notifier may be nil
func NewResolver(places PlaceStore, overrides OverrideStore, zones timezone.Lookup, notifier Notifier) *Resolver {
	return &Resolver{
		places:    places,
		overrides: overrides,
		zones:     zones,
		notifier:  notifier,
		log:       logging.Component("place-resolver"),
	}
}

// Resolve returns the place containing (lat, lon), or creates one there.
// A place with a polygon matches only by containment; any other place matches
// when its centroid is within half the minimum visit distance. Among matches
// the nearest centroid wins, ties going to the oldest place.
func (r *Resolver) Resolve(ctx context.Context, scope models.Scope, lat, lon float64, cfg models.VisitMerging) (*models.SignificantPlace, error) {
	radius := cfg.MinDistanceBetweenVisitsMeters / 2
	dLat, dLon := spatial.MetersToDegrees(radius, lat)

	candidates, err := r.places.FindCandidates(ctx, scope, lat, lon, dLat, dLon)
	if err != nil {
		return nil, fmt.Errorf("failed to find candidate places: %w", err)
	}

	at := spatial.Point{Lat: lat, Lon: lon}
	var (
		best     *models.SignificantPlace
		bestDist float64
	)
	for i := range candidates {
		c := &candidates[i]
		centroid := spatial.Point{Lat: c.Latitude, Lon: c.Longitude}
		d := spatial.Distance(at, centroid)

		if !r.matches(c, at, d, radius) {
			continue
		}
		if best == nil || d < bestDist || (d == bestDist && c.ID < best.ID) {
			best, bestDist = c, d
		}
	}
	if best != nil {
		return best, nil
	}
	return r.create(ctx, scope, lat, lon)
}

func (r *Resolver) matches(c *models.SignificantPlace, at spatial.Point, dist, radius float64) bool {
	if c.Polygon != "" {
		poly, err := spatial.ParsePolygon(c.Polygon)
		if err == nil {
			return poly.Contains(at)
		}
		r.log.Warn().Err(err).Int64("place_id", c.ID).Msg("Ignoring unreadable place polygon")
	}
	return dist <= radius
}

func (r *Resolver) create(ctx context.Context, scope models.Scope, lat, lon float64) (*models.SignificantPlace, error) {
	place := models.SignificantPlace{
		Type:      models.PlaceTypeUnknown,
		Latitude:  lat,
		Longitude: lon,
	}
	if r.zones != nil {
		place.Timezone = r.zones.Timezone(lat, lon)
	}

	override, err := r.overrides.FindExact(ctx, scope.Username, lat, lon)
	if err != nil {
		return nil, err
	}
	if override != nil {
		applyOverride(&place, override)
	}

	created, err := r.places.Create(ctx, scope, place)
	if err != nil {
		return nil, err
	}
	metrics.RecordsCreated.WithLabelValues("place").Inc()

	r.log.Debug().
		Str("username", scope.Username).
		Str("preview_id", scope.PreviewID).
		Int64("place_id", created.ID).
		Bool("override", override != nil).
		Msg("Created significant place")

	if r.notifier != nil {
		r.notifier.PlaceCreated(ctx, scope, *created)
	}
	return created, nil
}

func applyOverride(p *models.SignificantPlace, o *models.PlaceOverride) {
	if o.Name != "" {
		p.Name = o.Name
	}
	if o.Type != "" {
		p.Type = o.Type
	}
	if o.Timezone != "" {
		p.Timezone = o.Timezone
	}
	if o.Polygon != "" {
		p.Polygon = o.Polygon
	}
}
