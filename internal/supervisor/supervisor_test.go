package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/trail-pipeline/internal/logging"
)

type fakeServer struct {
	stop     chan struct{}
	shutdown atomic.Bool
}

func (s *fakeServer) ListenAndServe() error {
	<-s.stop
	return http.ErrServerClosed
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.shutdown.Store(true)
	close(s.stop)
	return nil
}

type countingService struct{ runs atomic.Int32 }

func (c *countingService) Serve(ctx context.Context) error {
	c.runs.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestTreeRunsAndStopsServices(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{ShutdownTimeout: time.Second})

	srv := &fakeServer{stop: make(chan struct{})}
	worker := &countingService{}
	tree.AddAPIService(NewHTTPService(srv, time.Second))
	tree.AddPipelineService(worker)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return worker.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	assert.True(t, srv.shutdown.Load())
}

type failingServer struct{}

func (failingServer) ListenAndServe() error          { return errors.New("address in use") }
func (failingServer) Shutdown(context.Context) error { return nil }

func TestHTTPServiceReturnsListenError(t *testing.T) {
	err := NewHTTPService(failingServer{}, 0).Serve(context.Background())
	assert.EqualError(t, err, "address in use")
}
