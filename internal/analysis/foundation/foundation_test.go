package foundation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestRepos(t *testing.T) *repository.Repositories {
	t.Helper()
	db, err := database.OpenAndMigrate(context.Background(), database.Config{Path: filepath.Join(t.TempDir(), "trail.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return repository.New(db, models.DefaultDetectionParameter())
}

func point(id int64, offset time.Duration, lat, lon float64, acc float64) models.LocationPoint {
	return models.LocationPoint{ID: id, Timestamp: t0.Add(offset), Latitude: lat, Longitude: lon, Accuracy: &acc}
}

// walk returns n points 10 s apart moving 10 m north each step (1 m/s)
func walk(n int) []models.LocationPoint {
	var pts []models.LocationPoint
	for i := 0; i < n; i++ {
		pts = append(pts, point(int64(i+1), time.Duration(i)*10*time.Second, 48+float64(i)*0.0000899, 11, 5))
	}
	return pts
}

func TestDetectAnomaliesIsolatedSpike(t *testing.T) {
	pts := walk(7)
	// move the middle point ~5 km east: incoming and outgoing speeds both ~500 m/s
	pts[3].Longitude += 0.0673

	flagged := DetectAnomalies(pts, DefaultAnomalyConfig())
	assert.Equal(t, []int{3}, flagged, "only the spike, never its neighbors")
}

func TestDetectAnomaliesSustainedTravelNotFlagged(t *testing.T) {
	cfg := DefaultAnomalyConfig()
	var pts []models.LocationPoint
	// 30 m/s (108 km/h) driving for the whole batch
	for i := 0; i < 10; i++ {
		pts = append(pts, point(int64(i+1), time.Duration(i)*10*time.Second, 48, 11+float64(i)*0.00403, 5))
	}
	assert.Empty(t, DetectAnomalies(pts, cfg))
}

func TestDetectAnomaliesEndpoints(t *testing.T) {
	pts := walk(6)
	pts[0].Longitude += 0.0673
	pts[5].Longitude -= 0.0673

	assert.Equal(t, []int{0, 5}, DetectAnomalies(pts, DefaultAnomalyConfig()))
}

func TestDetectAnomaliesAccuracyPass(t *testing.T) {
	pts := walk(4)
	bad := 250.0
	pts[2].Accuracy = &bad
	pts[1].Accuracy = nil

	assert.Equal(t, []int{2}, DetectAnomalies(pts, DefaultAnomalyConfig()))
}

func TestDetectAnomaliesZeroTimeDelta(t *testing.T) {
	pts := walk(5)
	pts[2].Timestamp = pts[1].Timestamp
	assert.Empty(t, DetectAnomalies(pts, DefaultAnomalyConfig()))
}

func TestAnomalyFilterUsesStoredContext(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	scope := models.Live("alice")

	pts := walk(8)
	for i := range pts {
		pts[i].ID = 0
	}
	pts[7].Longitude += 0.0673 // spike is the last point of the batch

	stored, err := repos.Points.Insert(ctx, scope, pts[:5])
	require.NoError(t, err)
	require.Len(t, stored, 5)

	batch, err := repos.Points.Insert(ctx, scope, pts[5:])
	require.NoError(t, err)

	filter := NewAnomalyFilter(repos.Points, DefaultAnomalyConfig())
	ids, err := filter.Filter(ctx, scope, batch)
	require.NoError(t, err)
	assert.Equal(t, []int64{batch[2].ID}, ids)

	usable, err := repos.Points.Find(ctx, scope, repository.PointQuery{
		Range:      models.TimeRange{Start: t0, End: t0.Add(time.Hour)},
		UsableOnly: true,
	})
	require.NoError(t, err)
	assert.Len(t, usable, 7)
}

func TestDensityFillsTwelveMinuteGap(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	scope := models.Live("alice")

	inserted, err := repos.Points.Insert(ctx, scope, []models.LocationPoint{
		point(0, 0, 48, 11, 10),
		point(0, 12*time.Minute, 48.001, 11, 20),
	})
	require.NoError(t, err)

	normalizer := NewDensityNormalizer(repos.Points, repos.Parameters, DefaultDensityConfig())
	res, err := normalizer.Normalize(ctx, scope, inserted)
	require.NoError(t, err)
	assert.Equal(t, 23, res.Synthesized)
	assert.Zero(t, res.Trimmed)

	all, err := repos.Points.Find(ctx, scope, repository.PointQuery{Range: res.Range, UsableOnly: true})
	require.NoError(t, err)
	require.Len(t, all, 25)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, 30*time.Second, all[i].Timestamp.Sub(all[i-1].Timestamp))
	}

	mid := all[12]
	assert.True(t, mid.Synthetic)
	assert.InDelta(t, 48.0005, mid.Latitude, 1e-9)
	require.NotNil(t, mid.Accuracy)
	assert.InDelta(t, 15, *mid.Accuracy, 1e-9)

	// a second pass over the same data converges to the same state
	res, err = normalizer.Normalize(ctx, scope, inserted)
	require.NoError(t, err)
	assert.Equal(t, 23, res.Synthesized)
	again, err := repos.Points.Find(ctx, scope, repository.PointQuery{Range: res.Range, UsableOnly: true})
	require.NoError(t, err)
	assert.Len(t, again, 25)
}

func TestDensitySkipsTwentyMinuteGap(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	scope := models.Live("alice")

	inserted, err := repos.Points.Insert(ctx, scope, []models.LocationPoint{
		point(0, 0, 48, 11, 10),
		point(0, 20*time.Minute, 48.001, 11, 10),
	})
	require.NoError(t, err)

	res, err := NewDensityNormalizer(repos.Points, repos.Parameters, DefaultDensityConfig()).Normalize(ctx, scope, inserted)
	require.NoError(t, err)
	assert.Zero(t, res.Synthesized)
}

func TestDensitySkipsLongDistanceGap(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	scope := models.Live("alice")

	inserted, err := repos.Points.Insert(ctx, scope, []models.LocationPoint{
		point(0, 0, 48, 11, 10),
		point(0, 10*time.Minute, 48.1, 11, 10), // ~11 km
	})
	require.NoError(t, err)

	res, err := NewDensityNormalizer(repos.Points, repos.Parameters, DefaultDensityConfig()).Normalize(ctx, scope, inserted)
	require.NoError(t, err)
	assert.Zero(t, res.Synthesized)
}

func TestDensityTrimsOverDenseRun(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	scope := models.Live("alice")

	// one fix per second for 40 s; the worst accuracy of each group goes
	var pts []models.LocationPoint
	for i := 0; i < 40; i++ {
		pts = append(pts, point(0, time.Duration(i)*time.Second, 48, 11, 10))
	}
	inserted, err := repos.Points.Insert(ctx, scope, pts)
	require.NoError(t, err)

	res, err := NewDensityNormalizer(repos.Points, repos.Parameters, DefaultDensityConfig()).Normalize(ctx, scope, inserted)
	require.NoError(t, err)

	kept, err := repos.Points.Find(ctx, scope, repository.PointQuery{Range: res.Range, UsableOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 40-res.Trimmed, len(kept))
	for i := 1; i < len(kept); i++ {
		assert.GreaterOrEqual(t, kept[i].Timestamp.Sub(kept[i-1].Timestamp), 15*time.Second)
	}
	assert.Equal(t, t0, kept[0].Timestamp, "earlier point wins a full tie")
}

func TestPreferKeepPriority(t *testing.T) {
	five, ten := 5.0, 10.0
	realPt := models.LocationPoint{Timestamp: t0, Accuracy: &ten}
	synth := models.LocationPoint{Timestamp: t0, Accuracy: &five, Synthetic: true}
	assert.True(t, preferKeep(realPt, synth), "real beats synthetic even with worse accuracy")

	better := models.LocationPoint{Timestamp: t0.Add(time.Second), Accuracy: &five}
	assert.True(t, preferKeep(better, realPt), "lower accuracy value wins")

	none := models.LocationPoint{Timestamp: t0}
	assert.True(t, preferKeep(realPt, none), "having an accuracy wins")

	later := models.LocationPoint{Timestamp: t0.Add(time.Second), Accuracy: &ten}
	assert.True(t, preferKeep(realPt, later), "earlier wins")

	east := models.LocationPoint{Timestamp: t0, Accuracy: &ten, Longitude: 1}
	assert.True(t, preferKeep(realPt, east), "coordinate order breaks the final tie")
}
