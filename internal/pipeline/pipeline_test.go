package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/trail-pipeline/internal/analysis/foundation"
	"github.com/jengzang/trail-pipeline/internal/analysis/places"
	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/repository"
	"github.com/jengzang/trail-pipeline/internal/timezone"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu           sync.Mutex
	topics       []string
	visitWindows []models.TimeRange
}

func (n *recordingNotifier) add(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.topics = append(n.topics, topic)
}

func (n *recordingNotifier) VisitsUpdated(_ context.Context, _ models.Scope, tr models.TimeRange) {
	n.add("visits")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.visitWindows = append(n.visitWindows, tr)
}
func (n *recordingNotifier) TripsUpdated(context.Context, models.Scope, models.TimeRange) {
	n.add("trips")
}
func (n *recordingNotifier) RawDataReceived(context.Context, models.Scope, models.TimeRange) {
	n.add("rawdata")
}

type stack struct {
	repos        *repository.Repositories
	ingestor     *Ingestor
	orchestrator *Orchestrator
	notifier     *recordingNotifier
}

func newStack(t *testing.T, cfg Config) *stack {
	t.Helper()
	db, err := database.OpenAndMigrate(context.Background(), database.Config{Path: filepath.Join(t.TempDir(), "trail.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := repository.New(db, models.DefaultDetectionParameter())
	notifier := &recordingNotifier{}
	resolver := places.NewResolver(repos.Places, repos.Overrides, timezone.Fixed("Europe/Berlin"), nil)
	return &stack{
		repos: repos,
		ingestor: NewIngestor(repos.Points,
			foundation.NewAnomalyFilter(repos.Points, foundation.DefaultAnomalyConfig()),
			foundation.NewDensityNormalizer(repos.Points, repos.Parameters, foundation.DefaultDensityConfig()),
			notifier, nil),
		orchestrator: NewOrchestrator(repos, resolver, notifier, cfg),
		notifier:     notifier,
	}
}

func at(minute int, lat float64) models.LocationPoint {
	acc := 8.0
	return models.LocationPoint{Timestamp: t0.Add(time.Duration(minute) * time.Minute), Latitude: lat, Longitude: 11.5, Accuracy: &acc}
}

// day is home 0-60, walk, work 80-240, walk back, home 260-300, one fix per minute.
// Walking steps are ~56 m, wider than the 50 m clustering radius.
func day() []models.LocationPoint {
	const home, work, step = 48.0, 48.01, 0.0005
	var pts []models.LocationPoint
	for m := 0; m <= 300; m++ {
		switch {
		case m <= 60:
			pts = append(pts, at(m, home))
		case m < 80:
			pts = append(pts, at(m, home+float64(m-60)*step))
		case m <= 240:
			pts = append(pts, at(m, work))
		case m < 260:
			pts = append(pts, at(m, work-float64(m-240)*step))
		default:
			pts = append(pts, at(m, home))
		}
	}
	return pts
}

type visitShape struct {
	Start, End time.Time
	PlaceID    int64
}

type tripShape struct {
	Start, End           time.Time
	Mode                 string
	Travelled, Estimated float64
}

func snapshot(t *testing.T, s *stack, scope models.Scope) ([]visitShape, []tripShape) {
	t.Helper()
	return snapshotRange(t, s, scope, models.TimeRange{Start: t0.Add(-time.Hour), End: t0.Add(24 * time.Hour)})
}

func snapshotRange(t *testing.T, s *stack, scope models.Scope, all models.TimeRange) ([]visitShape, []tripShape) {
	t.Helper()
	pvs, err := s.repos.ProcessedVisits.List(context.Background(), scope, all, 1000)
	require.NoError(t, err)
	trips, err := s.repos.Trips.List(context.Background(), scope, all, 1000)
	require.NoError(t, err)

	var vs []visitShape
	for _, v := range pvs {
		vs = append(vs, visitShape{v.StartTime, v.EndTime, v.PlaceID})
	}
	var ts []tripShape
	for _, tr := range trips {
		ts = append(ts, tripShape{tr.StartTime, tr.EndTime, tr.TransportMode, tr.TravelledDistanceMeters, tr.EstimatedDistanceMeters})
	}
	return vs, ts
}

func TestPipelineDay(t *testing.T) {
	s := newStack(t, DefaultConfig())
	ctx := context.Background()
	scope := models.Live("alice")

	require.NoError(t, s.ingestor.Store(ctx, scope, day()))
	require.NoError(t, s.orchestrator.ProcessUser(ctx, scope))

	visits, trips := snapshot(t, s, scope)
	require.Len(t, visits, 3)
	assert.Equal(t, t0, visits[0].Start)
	assert.Equal(t, t0.Add(60*time.Minute), visits[0].End)
	assert.Equal(t, t0.Add(80*time.Minute), visits[1].Start)
	assert.Equal(t, t0.Add(240*time.Minute), visits[1].End)
	assert.Equal(t, t0.Add(260*time.Minute), visits[2].Start)
	assert.Equal(t, visits[0].PlaceID, visits[2].PlaceID, "returning home resolves to the same place")
	assert.NotEqual(t, visits[0].PlaceID, visits[1].PlaceID)

	for i := 1; i < len(visits); i++ {
		assert.False(t, visits[i].Start.Before(visits[i-1].End), "processed visits overlap")
	}

	require.Len(t, trips, 2)
	for i, trip := range trips {
		assert.Equal(t, visits[i].End, trip.Start)
		assert.Equal(t, visits[i+1].Start, trip.End)
		assert.Equal(t, models.ModeWalking, trip.Mode)
		assert.InDelta(t, 1112, trip.Travelled, 10)
		assert.InDelta(t, 1112, trip.Estimated, 10)
	}

	assert.Contains(t, s.notifier.topics, "rawdata")
	assert.Contains(t, s.notifier.topics, "visits")
	assert.Contains(t, s.notifier.topics, "trips")

	places, err := s.repos.Places.List(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, places, 2)
}

func TestPipelineIsIdempotent(t *testing.T) {
	s := newStack(t, DefaultConfig())
	ctx := context.Background()
	scope := models.Live("alice")

	require.NoError(t, s.ingestor.Store(ctx, scope, day()))
	require.NoError(t, s.orchestrator.ProcessUser(ctx, scope))
	firstVisits, firstTrips := snapshot(t, s, scope)

	// redelivery of the same batch stores nothing new
	require.NoError(t, s.ingestor.Store(ctx, scope, day()))

	_, err := s.repos.Points.MarkUnprocessed(ctx, scope, models.TimeRange{Start: t0, End: t0.Add(5 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, s.orchestrator.ProcessUser(ctx, scope))

	secondVisits, secondTrips := snapshot(t, s, scope)
	assert.Equal(t, firstVisits, secondVisits)
	assert.Equal(t, firstTrips, secondTrips)
}

func TestPipelinePagedMatchesSingleRun(t *testing.T) {
	whole := newStack(t, DefaultConfig())
	paged := newStack(t, Config{PageSize: 50})
	ctx := context.Background()
	scope := models.Live("alice")

	for _, s := range []*stack{whole, paged} {
		require.NoError(t, s.ingestor.Store(ctx, scope, day()))
		require.NoError(t, s.orchestrator.ProcessUser(ctx, scope))
	}

	wantVisits, wantTrips := snapshot(t, whole, scope)
	gotVisits, gotTrips := snapshot(t, paged, scope)
	require.Len(t, gotVisits, len(wantVisits))
	for i := range wantVisits {
		assert.Equal(t, wantVisits[i].Start, gotVisits[i].Start)
		assert.Equal(t, wantVisits[i].End, gotVisits[i].End)
	}
	assert.Len(t, gotTrips, len(wantTrips))

	_, claimed, err := paged.repos.Points.ClaimUnprocessed(ctx, scope, 10)
	require.NoError(t, err)
	assert.Zero(t, claimed, "backlog drained")
}

func TestPipelineMergeWindowStaysLocal(t *testing.T) {
	s := newStack(t, DefaultConfig())
	ctx := context.Background()
	scope := models.Live("alice")
	const days = 20
	dayStart := func(d int) time.Duration { return time.Duration(d) * 24 * time.Hour }

	for d := 0; d < days; d++ {
		pts := day()
		for i := range pts {
			pts[i].Timestamp = pts[i].Timestamp.Add(dayStart(d))
		}
		require.NoError(t, s.ingestor.Store(ctx, scope, pts))
		require.NoError(t, s.orchestrator.ProcessUser(ctx, scope))
	}
	history := models.TimeRange{Start: t0.Add(-time.Hour), End: t0.Add(dayStart(days + 1))}
	beforeVisits, beforeTrips := snapshotRange(t, s, scope, history)
	require.NotEmpty(t, beforeVisits)

	// one late point extends the last evening at home
	late := at(301, 48.0)
	late.Timestamp = late.Timestamp.Add(dayStart(days - 1))
	require.NoError(t, s.ingestor.Store(ctx, scope, []models.LocationPoint{late}))
	require.NoError(t, s.orchestrator.ProcessUser(ctx, scope))

	s.notifier.mu.Lock()
	last := s.notifier.visitWindows[len(s.notifier.visitWindows)-1]
	s.notifier.mu.Unlock()
	assert.True(t, last.Start.After(t0.Add(dayStart(days-4))), "merge window reached back to %s", last.Start)
	assert.Less(t, last.End.Sub(last.Start), 5*24*time.Hour)

	afterVisits, afterTrips := snapshotRange(t, s, scope, history)
	require.Len(t, afterVisits, len(beforeVisits))
	n := len(afterVisits) - 1
	assert.Equal(t, beforeVisits[:n], afterVisits[:n])
	assert.Equal(t, beforeVisits[n].Start, afterVisits[n].Start)
	assert.Equal(t, late.Timestamp, afterVisits[n].End)
	assert.Equal(t, beforeTrips, afterTrips)
}

// cancelingResolver cancels the run from inside the merge stage
type cancelingResolver struct {
	cancel context.CancelFunc
}

func (r cancelingResolver) Resolve(context.Context, models.Scope, float64, float64, models.VisitMerging) (*models.SignificantPlace, error) {
	r.cancel()
	return nil, context.Canceled
}

func TestProcessUserReleasesPageWhenCanceled(t *testing.T) {
	s := newStack(t, DefaultConfig())
	scope := models.Live("alice")
	require.NoError(t, s.ingestor.Store(context.Background(), scope, day()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := NewOrchestrator(s.repos, cancelingResolver{cancel: cancel}, s.notifier, DefaultConfig())
	require.Error(t, o.ProcessUser(ctx, scope))

	users, err := s.repos.Points.UsersWithUnprocessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	// the next run picks the page up again
	require.NoError(t, s.orchestrator.ProcessUser(context.Background(), scope))
	visits, _ := snapshot(t, s, scope)
	assert.Len(t, visits, 3)
}

func TestPreviewLeavesLiveUntouched(t *testing.T) {
	s := newStack(t, DefaultConfig())
	ctx := context.Background()
	live := models.Live("alice")

	require.NoError(t, s.ingestor.Store(ctx, live, day()))
	require.NoError(t, s.orchestrator.ProcessUser(ctx, live))
	liveVisits, liveTrips := snapshot(t, s, live)

	params := models.DefaultDetectionParameter()
	params.VisitDetection.MinimumStayTimeSeconds = 7200 // only the work stay is long enough

	runner := NewPreviewRunner(s.repos, s.ingestor, s.orchestrator)
	preview, err := runner.Run(ctx, "alice", models.TimeRange{Start: t0, End: t0.Add(5 * time.Hour)}, params)
	require.NoError(t, err)
	require.NotEmpty(t, preview.ID)

	previewVisits, previewTrips := snapshot(t, s, models.Scope{Username: "alice", PreviewID: preview.ID})
	require.Len(t, previewVisits, 1)
	assert.Equal(t, t0.Add(80*time.Minute), previewVisits[0].Start)
	assert.Empty(t, previewTrips)

	afterVisits, afterTrips := snapshot(t, s, live)
	assert.Equal(t, liveVisits, afterVisits)
	assert.Equal(t, liveTrips, afterTrips)

	require.NoError(t, s.repos.Previews.Delete(ctx, models.Scope{Username: "alice", PreviewID: preview.ID}))
	gone, _ := snapshot(t, s, models.Scope{Username: "alice", PreviewID: preview.ID})
	assert.Empty(t, gone)
}

func TestValidatePoints(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	raw := []models.IngestPoint{
		{Latitude: f(48.1), Longitude: f(11.5), Timestamp: "2024-05-01T08:00:00.123456Z", Accuracy: f(5)},
		{Latitude: f(48.1), Timestamp: "2024-05-01T08:00:00Z"},
		{Latitude: f(91), Longitude: f(11.5), Timestamp: "2024-05-01T08:00:00Z"},
		{Latitude: f(48.1), Longitude: f(11.5), Timestamp: "yesterday"},
		{Latitude: f(48.1), Longitude: f(11.5), Timestamp: "2024-05-01T10:00:00+02:00", Accuracy: f(-1)},
		{Latitude: f(48.1), Longitude: f(11.5), Timestamp: "2024-05-01T10:00:00+02:00"},
	}

	valid, dropped := ValidatePoints("alice", raw)
	require.Len(t, valid, 2)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 123000000, time.UTC), valid[0].Timestamp)
	assert.Equal(t, t0, valid[1].Timestamp)
	assert.Nil(t, valid[1].Accuracy)
	assert.Equal(t, map[string]int{
		DropMissingCoordinate: 1,
		DropOutOfRange:        1,
		DropBadTimestamp:      1,
		DropBadAccuracy:       1,
	}, dropped)
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("alice")
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			km.Unlock("alice")
		}()
	}

	// another key is never blocked by alice
	km.Lock("bob")
	km.Unlock("bob")

	wg.Wait()
	assert.EqualValues(t, 1, peak)
	assert.Zero(t, km.size(), "released keys are evicted")
}

type flushRecorder struct {
	mu      sync.Mutex
	batches map[string][]int
}

func (r *flushRecorder) flush(ctx context.Context, scope models.Scope, pts []models.LocationPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batches == nil {
		r.batches = make(map[string][]int)
	}
	r.batches[scope.Username] = append(r.batches[scope.Username], len(pts))
	return nil
}

func TestBatcherFlushesBySize(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(BatchConfig{BatchSize: 3, IdleTimeout: time.Hour}, rec.flush)
	ctx := context.Background()

	b.Add(ctx, "alice", day()[:2])
	assert.Empty(t, rec.batches)
	b.Add(ctx, "alice", day()[:2])
	assert.Equal(t, []int{4}, rec.batches["alice"])
	assert.Zero(t, b.Pending())
}

func TestBatcherFlushesAcceptedPointsAfterCallerCancels(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(BatchConfig{BatchSize: 10, IdleTimeout: time.Hour}, rec.flush)

	b.Add(context.Background(), "alice", day()[:9])
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	b.Add(canceled, "alice", day()[9:10])

	assert.Equal(t, []int{10}, rec.batches["alice"])
	assert.Zero(t, b.Pending())
}

func TestBatcherStoresBatchOnCanceledRequest(t *testing.T) {
	s := newStack(t, DefaultConfig())
	b := NewBatcher(BatchConfig{BatchSize: 10, IdleTimeout: time.Hour}, s.ingestor.Store)

	pts := day()
	b.Add(context.Background(), "alice", pts[:9])
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	b.Add(canceled, "alice", pts[9:10])

	stored, err := s.repos.Points.Find(context.Background(), models.Live("alice"), repository.PointQuery{
		Range:    models.TimeRange{Start: pts[0].Timestamp, End: pts[9].Timestamp},
		RealOnly: true,
	})
	require.NoError(t, err)
	assert.Len(t, stored, 10)
}

func TestBatcherFlushesIdle(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(BatchConfig{BatchSize: 100, IdleTimeout: 5 * time.Second}, rec.flush)
	now := t0
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Add(ctx, "alice", day()[:2])
	b.Add(ctx, "bob", day()[:1])

	now = now.Add(3 * time.Second)
	b.Add(ctx, "bob", day()[:1])
	b.Sweep(ctx)
	assert.Empty(t, rec.batches)

	now = now.Add(3 * time.Second)
	b.Sweep(ctx)
	assert.Equal(t, []int{2}, rec.batches["alice"])
	assert.Empty(t, rec.batches["bob"])

	// a late arrival flushes the idle batch synchronously before starting a new one
	now = now.Add(10 * time.Second)
	b.Add(ctx, "bob", day()[:1])
	assert.Equal(t, []int{2}, rec.batches["bob"])
	assert.Equal(t, 1, b.Pending())

	b.FlushAll(ctx)
	assert.Equal(t, []int{2, 1}, rec.batches["bob"])
}

func TestBatcherServeFlushesOnShutdown(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(BatchConfig{BatchSize: 100, IdleTimeout: time.Hour, SweepInterval: 10 * time.Millisecond}, rec.flush)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	b.Add(ctx, "alice", day()[:5])
	cancel()
	<-done

	assert.Equal(t, []int{5}, rec.batches["alice"])
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	fired := make(chan models.Scope, 10)
	d := NewDebouncer(30*time.Millisecond, func(s models.Scope) { fired <- s })

	for i := 0; i < 5; i++ {
		d.Trigger(models.Live("alice"))
		time.Sleep(5 * time.Millisecond)
	}
	d.Trigger(models.Live("bob"))

	got := map[string]int{}
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case s := <-fired:
			got[s.Username]++
		case <-timeout:
			t.Fatal("debounced triggers did not fire")
		}
	}
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, map[string]int{"alice": 1, "bob": 1}, got)
	assert.Empty(t, fired)
}

func TestWorkerPoolDropsWhenFull(t *testing.T) {
	p := NewWorkerPool(1, 1, func(context.Context, models.Scope) error { return nil })

	assert.True(t, p.Submit(models.Live("alice")))
	assert.True(t, p.Submit(models.Live("alice")), "already queued")
	assert.False(t, p.Submit(models.Live("bob")))
}

func TestWorkerPoolRunsJobs(t *testing.T) {
	ran := make(chan string, 4)
	p := NewWorkerPool(2, 4, func(_ context.Context, s models.Scope) error {
		ran <- s.Username
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	p.Trigger(models.Live("alice"))
	p.Trigger(models.Live("bob"))

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case u := <-ran:
			got[u] = true
		case <-time.After(time.Second):
			t.Fatal("jobs did not run")
		}
	}
}

type triggerRecorder struct{ scopes []models.Scope }

func (r *triggerRecorder) Trigger(s models.Scope) { r.scopes = append(r.scopes, s) }

func TestSweeperTriggersBacklogAndPurgesPreviews(t *testing.T) {
	s := newStack(t, DefaultConfig())
	ctx := context.Background()

	_, err := s.repos.Points.Insert(ctx, models.Live("alice"), day()[:3])
	require.NoError(t, err)
	require.NoError(t, s.repos.Previews.Create(ctx, models.Preview{ID: "old", Username: "alice", Start: t0, End: t0, CreatedAt: t0}))
	require.NoError(t, s.repos.Previews.Create(ctx, models.Preview{ID: "new", Username: "alice", Start: t0, End: t0, CreatedAt: t0.Add(47 * time.Hour)}))

	rec := &triggerRecorder{}
	sw := NewSweeper(s.repos, rec, Config{PreviewTTL: 24 * time.Hour})
	sw.now = func() time.Time { return t0.Add(48 * time.Hour) }

	require.NoError(t, sw.SweepOnce(ctx))
	assert.Equal(t, []models.Scope{models.Live("alice")}, rec.scopes)

	_, err = s.repos.Previews.Get(ctx, "alice", "old")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.repos.Previews.Get(ctx, "alice", "new")
	assert.NoError(t, err)
}
