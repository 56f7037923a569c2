package behavior

import (
	"context"
	"fmt"
	"math"
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

func pt(offset time.Duration, lat, lon, acc float64) models.LocationPoint {
	return models.LocationPoint{Timestamp: t0.Add(offset), Latitude: lat, Longitude: lon, Accuracy: &acc}
}

// stay returns one point per minute at (lat, lon) from offset for n minutes
func stay(offset time.Duration, minutes int, lat, lon float64) []models.LocationPoint {
	var pts []models.LocationPoint
	for i := 0; i <= minutes; i++ {
		pts = append(pts, pt(offset+time.Duration(i)*time.Minute, lat, lon, 10))
	}
	return pts
}

func TestDetectStayPointsSingleStay(t *testing.T) {
	cfg := models.DefaultDetectionParameter().VisitDetection
	visits := DetectStayPoints(stay(0, 20, 48.1, 11.5), cfg)

	require.Len(t, visits, 1)
	assert.Equal(t, t0, visits[0].StartTime)
	assert.Equal(t, t0.Add(20*time.Minute), visits[0].EndTime)
	assert.EqualValues(t, 1200, visits[0].DurationSeconds)
	assert.InDelta(t, 48.1, visits[0].Latitude, 1e-9)
}

func TestDetectStayPointsSplitsOnTimeGap(t *testing.T) {
	cfg := models.DefaultDetectionParameter().VisitDetection
	pts := append(stay(0, 10, 48.1, 11.5), stay(30*time.Minute, 10, 48.1, 11.5)...)

	visits := DetectStayPoints(pts, cfg)
	require.Len(t, visits, 2)
	assert.Equal(t, t0.Add(10*time.Minute), visits[0].EndTime)
	assert.Equal(t, t0.Add(30*time.Minute), visits[1].StartTime)
}

func TestDetectStayPointsDropsShortStays(t *testing.T) {
	cfg := models.DefaultDetectionParameter().VisitDetection
	assert.Empty(t, DetectStayPoints(stay(0, 3, 48.1, 11.5), cfg))
}

func TestDetectStayPointsTwoPlaces(t *testing.T) {
	cfg := models.DefaultDetectionParameter().VisitDetection
	// ~1.1 km apart
	pts := append(stay(0, 10, 48.1, 11.5), stay(20*time.Minute, 10, 48.11, 11.5)...)

	visits := DetectStayPoints(pts, cfg)
	require.Len(t, visits, 2)
	assert.InDelta(t, 48.1, visits[0].Latitude, 1e-9)
	assert.InDelta(t, 48.11, visits[1].Latitude, 1e-9)
	assert.True(t, visits[0].EndTime.Before(visits[1].StartTime))
}

func TestDetectStayPointsSkipsUnusable(t *testing.T) {
	cfg := models.DefaultDetectionParameter().VisitDetection
	pts := stay(0, 10, 48.1, 11.5)
	for i := range pts {
		pts[i].Invalid = true
	}
	assert.Empty(t, DetectStayPoints(pts, cfg))
}

func TestRepresentativePointPrefersDenseAccurateFix(t *testing.T) {
	pts := []models.LocationPoint{
		pt(0, 48.1, 11.5, 5),
		pt(time.Minute, 48.10001, 11.5, 5),
		pt(2*time.Minute, 48.10002, 11.5, 5),
		// far and vague
		pt(3*time.Minute, 48.1004, 11.5, 80),
	}
	rep := representativePoint(pts)
	assert.InDelta(t, 48.10001, rep.Lat, 1e-9, "middle of the tight group has the most support")
}

func TestRepresentativePointLargeClusterSamples(t *testing.T) {
	var pts []models.LocationPoint
	for i := 0; i < 400; i++ {
		// a ring of jitter around a dense core
		off := float64(i%20) * 0.00001
		pts = append(pts, pt(time.Duration(i)*time.Second, 48.1+off, 11.5, 8))
	}
	rep := representativePoint(pts)
	assert.InDelta(t, 48.1, rep.Lat, 0.0002)
	assert.Equal(t, 11.5, rep.Lon)
}

func TestClassifyTransportMode(t *testing.T) {
	modes := models.DefaultTransportModes()
	cases := []struct {
		kmh  float64
		want string
	}{
		{5, models.ModeWalking},
		{7, models.ModeWalking},
		{15, models.ModeCycling},
		{80, models.ModeDriving},
		{400, models.ModeDriving},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%.0fkmh", c.kmh), func(t *testing.T) {
			assert.Equal(t, c.want, ClassifyTransportMode(c.kmh*1000, time.Hour, modes))
		})
	}
	assert.Equal(t, models.ModeUnknown, ClassifyTransportMode(1000, 0, modes))
	assert.Equal(t, models.ModeUnknown, ClassifyTransportMode(1000, time.Hour, nil))
}

// gridResolver hands out one place per ~100 m cell
type gridResolver struct {
	places map[string]*models.SignificantPlace
	next   int64
}

func (r *gridResolver) Resolve(_ context.Context, _ models.Scope, lat, lon float64, _ models.VisitMerging) (*models.SignificantPlace, error) {
	if r.places == nil {
		r.places = make(map[string]*models.SignificantPlace)
	}
	key := fmt.Sprintf("%.3f/%.3f", lat, lon)
	if p, ok := r.places[key]; ok {
		return p, nil
	}
	r.next++
	p := &models.SignificantPlace{ID: r.next, Latitude: math.Round(lat*1000) / 1000, Longitude: math.Round(lon*1000) / 1000}
	r.places[key] = p
	return p, nil
}

type slicePoints []models.LocationPoint

func (s slicePoints) Find(_ context.Context, _ models.Scope, q repository.PointQuery) ([]models.LocationPoint, error) {
	var out []models.LocationPoint
	for _, p := range s {
		if !p.Timestamp.Before(q.Range.Start) && !p.Timestamp.After(q.Range.End) && (!q.UsableOnly || p.Usable()) {
			out = append(out, p)
		}
	}
	return out, nil
}

func visit(start, end time.Duration, lat, lon float64) models.Visit {
	return models.Visit{StartTime: t0.Add(start), EndTime: t0.Add(end), Latitude: lat, Longitude: lon}
}

func TestVisitMergerMergeGapBoundary(t *testing.T) {
	cfg := models.DefaultDetectionParameter().VisitMerging
	scope := models.Live("alice")
	gap := cfg.MaxMergeGap()

	// an excursion of ~220 m recorded in the gap
	excursion := func(from time.Duration) slicePoints {
		return slicePoints{
			pt(from+10*time.Second, 48.1, 11.5, 5),
			pt(from+100*time.Second, 48.101, 11.5, 5),
			pt(from+200*time.Second, 48.1, 11.5, 5),
		}
	}

	t.Run("just inside merges", func(t *testing.T) {
		m := NewVisitMerger(&gridResolver{}, excursion(10*time.Minute))
		out, err := m.Merge(context.Background(), scope, []models.Visit{
			visit(0, 10*time.Minute, 48.1, 11.5),
			visit(10*time.Minute+gap-time.Second, 30*time.Minute, 48.1, 11.5),
		}, cfg)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, t0, out[0].StartTime)
		assert.Equal(t, t0.Add(30*time.Minute), out[0].EndTime)
	})

	t.Run("just outside with travel splits", func(t *testing.T) {
		m := NewVisitMerger(&gridResolver{}, excursion(10*time.Minute))
		out, err := m.Merge(context.Background(), scope, []models.Visit{
			visit(0, 10*time.Minute, 48.1, 11.5),
			visit(10*time.Minute+gap+time.Second, 30*time.Minute, 48.1, 11.5),
		}, cfg)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, out[0].PlaceID, out[1].PlaceID)
	})

	t.Run("long gap without movement merges", func(t *testing.T) {
		m := NewVisitMerger(&gridResolver{}, slicePoints{})
		out, err := m.Merge(context.Background(), scope, []models.Visit{
			visit(0, 10*time.Minute, 48.1, 11.5),
			visit(2*time.Hour, 3*time.Hour, 48.1, 11.5),
		}, cfg)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.EqualValues(t, 3*3600, out[0].DurationSeconds)
	})
}

func TestVisitMergerNeverOverlaps(t *testing.T) {
	cfg := models.DefaultDetectionParameter().VisitMerging
	m := NewVisitMerger(&gridResolver{}, slicePoints{})

	out, err := m.Merge(context.Background(), models.Live("alice"), []models.Visit{
		visit(0, 30*time.Minute, 48.1, 11.5),
		visit(20*time.Minute, 40*time.Minute, 48.2, 11.5), // starts inside the first run
		visit(45*time.Minute, time.Hour, 48.2, 11.5),
		visit(2*time.Hour, 3*time.Hour, 48.1, 11.5),
	}, cfg)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i := 1; i < len(out); i++ {
		assert.False(t, out[i].StartTime.Before(out[i-1].EndTime), "visits %d and %d overlap", i-1, i)
	}
	assert.NotEqual(t, out[0].PlaceID, out[1].PlaceID)
}

func TestTripDetector(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	scope := models.Live("alice")

	home, err := repos.Places.Create(ctx, scope, models.SignificantPlace{Name: "home", Latitude: 48.0, Longitude: 11.5})
	require.NoError(t, err)
	work, err := repos.Places.Create(ctx, scope, models.SignificantPlace{Name: "work", Latitude: 48.009, Longitude: 11.5})
	require.NoError(t, err)

	window := models.TimeRange{Start: t0, End: t0.Add(2 * time.Hour)}
	pvs, err := repos.ProcessedVisits.Replace(ctx, scope, window, []models.ProcessedVisit{
		{PlaceID: home.ID, StartTime: t0, EndTime: t0.Add(30 * time.Minute), DurationSeconds: 1800},
		{PlaceID: work.ID, StartTime: t0.Add(50 * time.Minute), EndTime: t0.Add(80 * time.Minute), DurationSeconds: 1800},
	})
	require.NoError(t, err)

	// a 1 km walk over 20 minutes
	var walk []models.LocationPoint
	for i := 0; i <= 20; i++ {
		walk = append(walk, pt(30*time.Minute+time.Duration(i)*time.Minute, 48.0+float64(i)*0.00045, 11.5, 5))
	}
	_, err = repos.Points.Insert(ctx, scope, walk)
	require.NoError(t, err)

	detector := NewTripDetector(repos.Trips, repos.ProcessedVisits, repos.Places, repos.TransportModes, repos.Points)
	trips, err := detector.Detect(ctx, scope, pvs)
	require.NoError(t, err)
	require.Len(t, trips, 1)

	trip := trips[0]
	assert.Equal(t, pvs[0].EndTime, trip.StartTime)
	assert.Equal(t, pvs[1].StartTime, trip.EndTime)
	assert.Equal(t, pvs[0].ID, trip.StartVisitID)
	assert.Equal(t, pvs[1].ID, trip.EndVisitID)
	assert.InDelta(t, 1000, trip.EstimatedDistanceMeters, 5)
	assert.InDelta(t, 1000, trip.TravelledDistanceMeters, 5)
	assert.Equal(t, models.ModeWalking, trip.TransportMode)

	again, err := detector.Detect(ctx, scope, pvs)
	require.NoError(t, err)
	assert.Empty(t, again, "an existing span is not duplicated")

	stored, err := repos.Trips.List(ctx, scope, window, 100)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestTripDetectorSkipsVanishedVisits(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	scope := models.Live("alice")

	detector := NewTripDetector(repos.Trips, repos.ProcessedVisits, repos.Places, repos.TransportModes, repos.Points)
	trips, err := detector.Detect(ctx, scope, []models.ProcessedVisit{
		{ID: 41, StartTime: t0, EndTime: t0.Add(time.Minute)},
		{ID: 42, StartTime: t0.Add(time.Hour), EndTime: t0.Add(2 * time.Hour)},
	})
	require.NoError(t, err)
	assert.Empty(t, trips)
}
