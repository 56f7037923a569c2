package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/trail-pipeline/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5000, cfg.Pipeline.PageSize)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.GlobalSweepInterval)
	assert.Equal(t, models.DefaultDetectionParameter(), cfg.Detection.Parameter())
	assert.Equal(t, models.DefaultTransportModes(), cfg.Transport.Modes())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
pipeline:
  page_size: 200
  trigger_debounce: 2s
detection:
  visit_merging:
    min_distance_between_visits_meters: 150
events:
  driver: nats
  nats_url: nats://broker:4222
`), 0o600))

	t.Setenv(PathEnvVar, path)
	t.Setenv("TRAIL_PIPELINE_PAGE_SIZE", "300")
	t.Setenv("TRAIL_DETECTION_VISIT_DETECTION_SEARCH_DISTANCE_METERS", "75")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 300, cfg.Pipeline.PageSize, "environment wins over the file")
	assert.Equal(t, 2*time.Second, cfg.Pipeline.TriggerDebounce)
	assert.Equal(t, 150.0, cfg.Detection.VisitMerging.MinDistanceBetweenVisitsMeters)
	assert.Equal(t, 75.0, cfg.Detection.VisitDetection.SearchDistanceMeters)
	assert.Equal(t, "nats", cfg.Events.Driver)
	assert.Equal(t, "nats://broker:4222", cfg.Events.NATSURL)
}

func TestValidateRejects(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Workers = 0
	cfg.Events.Driver = "kafka"
	cfg.Transport.CyclingMaxKmh = 5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.workers")
	assert.Contains(t, err.Error(), "events.driver")
	assert.Contains(t, err.Error(), "transport thresholds")
}

func TestValidateParameter(t *testing.T) {
	p := models.DefaultDetectionParameter()
	require.NoError(t, p.Validate())

	p.VisitDetection.SearchDistanceMeters = 0
	err := p.Validate()
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "pipeline.page_size", envKey("TRAIL_PIPELINE_PAGE_SIZE"))
	assert.Equal(t, "events.nats_url", envKey("TRAIL_EVENTS_NATS_URL"))
	assert.Equal(t, "detection.location_density.max_interpolation_gap_minutes",
		envKey("TRAIL_DETECTION_LOCATION_DENSITY_MAX_INTERPOLATION_GAP_MINUTES"))
	assert.Empty(t, envKey("TRAIL_CONFIG"))
	assert.Empty(t, envKey("TRAIL_DETECTION_OTHER"))
}
