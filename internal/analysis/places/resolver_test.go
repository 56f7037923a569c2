package places

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
	"github.com/jengzang/trail-pipeline/internal/timezone"
)

type recorder struct{ created []models.SignificantPlace }

func (r *recorder) PlaceCreated(_ context.Context, _ models.Scope, p models.SignificantPlace) {
	r.created = append(r.created, p)
}

func setup(t *testing.T) (*repository.Repositories, *Resolver, *recorder) {
	t.Helper()
	db, err := database.OpenAndMigrate(context.Background(), database.Config{Path: filepath.Join(t.TempDir(), "trail.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := repository.New(db, models.DefaultDetectionParameter())
	rec := &recorder{}
	return repos, NewResolver(repos.Places, repos.Overrides, timezone.Fixed("Europe/Berlin"), rec), rec
}

var merging = models.DefaultDetectionParameter().VisitMerging

func TestResolveCreatesThenReuses(t *testing.T) {
	_, r, rec := setup(t)
	ctx := context.Background()
	scope := models.Live("alice")

	first, err := r.Resolve(ctx, scope, 48.1, 11.5, merging)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", first.Timezone)
	assert.Equal(t, models.PlaceTypeUnknown, first.Type)
	require.Len(t, rec.created, 1)

	// ~22 m away, inside half the 100 m minimum distance
	again, err := r.Resolve(ctx, scope, 48.1002, 11.5, merging)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// ~111 m away
	other, err := r.Resolve(ctx, scope, 48.101, 11.5, merging)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Len(t, rec.created, 2)
}

func TestResolvePicksNearestThenOldest(t *testing.T) {
	repos, r, _ := setup(t)
	ctx := context.Background()
	scope := models.Live("alice")

	a, err := repos.Places.Create(ctx, scope, models.SignificantPlace{Latitude: 48.1, Longitude: 11.5})
	require.NoError(t, err)
	b, err := repos.Places.Create(ctx, scope, models.SignificantPlace{Latitude: 48.1003, Longitude: 11.5})
	require.NoError(t, err)
	twin, err := repos.Places.Create(ctx, scope, models.SignificantPlace{Latitude: 48.1003, Longitude: 11.5})
	require.NoError(t, err)

	got, err := r.Resolve(ctx, scope, 48.1001, 11.5, merging)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = r.Resolve(ctx, scope, 48.10025, 11.5, merging)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID, "equal distance goes to the lower id")
	assert.NotEqual(t, twin.ID, got.ID)
}

func TestResolvePolygonTakesPrecedence(t *testing.T) {
	repos, r, rec := setup(t)
	ctx := context.Background()
	scope := models.Live("alice")

	// a large campus whose centroid is far from the query point
	campus, err := repos.Places.Create(ctx, scope, models.SignificantPlace{
		Name: "campus", Latitude: 48.105, Longitude: 11.505,
		Polygon: `{"type":"Polygon","coordinates":[[[11.49,48.09],[11.52,48.09],[11.52,48.12],[11.49,48.12],[11.49,48.09]]]}`,
	})
	require.NoError(t, err)

	got, err := r.Resolve(ctx, scope, 48.095, 11.495, merging)
	require.NoError(t, err)
	assert.Equal(t, campus.ID, got.ID)

	got, err = r.Resolve(ctx, scope, 48.2, 11.6, merging)
	require.NoError(t, err)
	assert.NotEqual(t, campus.ID, got.ID)
	assert.Len(t, rec.created, 1)
}

func TestResolveAppliesOverride(t *testing.T) {
	repos, r, _ := setup(t)
	ctx := context.Background()

	_, err := repos.Overrides.Upsert(ctx, models.PlaceOverride{
		Username: "alice", Latitude: 48.1, Longitude: 11.5,
		Name: "Home", Type: models.PlaceTypeHome, Timezone: "UTC",
	})
	require.NoError(t, err)

	got, err := r.Resolve(ctx, models.Live("alice"), 48.1, 11.5, merging)
	require.NoError(t, err)
	assert.Equal(t, "Home", got.Name)
	assert.Equal(t, models.PlaceTypeHome, got.Type)
	assert.Equal(t, "UTC", got.Timezone)

	// other users are unaffected
	bob, err := r.Resolve(ctx, models.Live("bob"), 48.1, 11.5, merging)
	require.NoError(t, err)
	assert.Empty(t, bob.Name)
}

func TestResolveIsScoped(t *testing.T) {
	_, r, _ := setup(t)
	ctx := context.Background()

	live, err := r.Resolve(ctx, models.Live("alice"), 48.1, 11.5, merging)
	require.NoError(t, err)
	preview, err := r.Resolve(ctx, models.Scope{Username: "alice", PreviewID: "p1"}, 48.1, 11.5, merging)
	require.NoError(t, err)
	assert.NotEqual(t, live.ID, preview.ID)
}
