// Package config loads the layered process configuration: struct defaults,
// then an optional YAML file named by TRAIL_CONFIG, then TRAIL_* environment
// variables (TRAIL_PIPELINE_PAGE_SIZE sets pipeline.page_size).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/jengzang/trail-pipeline/internal/analysis/foundation"
	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/events"
	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/pipeline"
)

const (
	// PathEnvVar names the optional YAML config file
	PathEnvVar = "TRAIL_CONFIG"
	envPrefix  = "TRAIL_"
)

// Config is the whole process configuration
type Config struct {
	Server    ServerConfig             `koanf:"server"`
	Database  database.Config          `koanf:"database"`
	Logging   logging.Config           `koanf:"logging"`
	Ingest    pipeline.BatchConfig     `koanf:"ingest"`
	Pipeline  pipeline.Config          `koanf:"pipeline"`
	Anomaly   foundation.AnomalyConfig `koanf:"anomaly"`
	Density   foundation.DensityConfig `koanf:"density"`
	Detection DetectionConfig          `koanf:"detection"`
	Transport TransportConfig          `koanf:"transport"`
	Events    events.Config            `koanf:"events"`
	RateLimit RateLimitConfig          `koanf:"ratelimit"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// DetectionConfig holds the parameters used for users without stored ones
type DetectionConfig struct {
	VisitDetection  models.VisitDetection  `koanf:"visit_detection"`
	VisitMerging    models.VisitMerging    `koanf:"visit_merging"`
	LocationDensity models.LocationDensity `koanf:"location_density"`
}

// Parameter returns the defaults as a detection parameter
func (d DetectionConfig) Parameter() models.DetectionParameter {
	return models.DetectionParameter{
		VisitDetection:  d.VisitDetection,
		VisitMerging:    d.VisitMerging,
		LocationDensity: d.LocationDensity,
	}
}

// TransportConfig holds the default speed ceilings per mode
type TransportConfig struct {
	WalkingMaxKmh float64 `koanf:"walking_max_kmh"`
	CyclingMaxKmh float64 `koanf:"cycling_max_kmh"`
	DrivingMaxKmh float64 `koanf:"driving_max_kmh"`
}

// Modes returns the ordered default table
func (t TransportConfig) Modes() []models.TransportModeThreshold {
	return []models.TransportModeThreshold{
		{Mode: models.ModeWalking, MaxSpeedKmh: t.WalkingMaxKmh},
		{Mode: models.ModeCycling, MaxSpeedKmh: t.CyclingMaxKmh},
		{Mode: models.ModeDriving, MaxSpeedKmh: t.DrivingMaxKmh},
	}
}

// RateLimitConfig limits ingest requests per client
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// Default returns the built-in configuration
func Default() *Config {
	detection := models.DefaultDetectionParameter()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: database.Config{Path: "./data/trail.db"},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Ingest:   pipeline.DefaultBatchConfig(),
		Pipeline: pipeline.DefaultConfig(),
		Anomaly:  foundation.DefaultAnomalyConfig(),
		Density:  foundation.DefaultDensityConfig(),
		Detection: DetectionConfig{
			VisitDetection:  detection.VisitDetection,
			VisitMerging:    detection.VisitMerging,
			LocationDensity: detection.LocationDensity,
		},
		Transport: TransportConfig{WalkingMaxKmh: 7, CyclingMaxKmh: 20, DrivingMaxKmh: 120},
		Events:    events.Config{Driver: events.DriverMemory, NATSURL: "nats://127.0.0.1:4222"},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
	}
}

// Load reads defaults, the optional file and the environment, then validates
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(PathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

var sections = []string{
	"server", "database", "logging", "ingest", "pipeline", "anomaly",
	"density", "detection", "transport", "events", "ratelimit",
}

// envKey maps TRAIL_PIPELINE_PAGE_SIZE to pipeline.page_size and
// TRAIL_DETECTION_VISIT_MERGING_SEARCH_DURATION_HOURS to
// detection.visit_merging.search_duration_hours. Unknown keys are skipped.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	for _, section := range sections {
		rest, ok := strings.CutPrefix(key, section+"_")
		if !ok {
			continue
		}
		if section == "detection" {
			for _, group := range []string{"visit_detection", "visit_merging", "location_density"} {
				if field, ok := strings.CutPrefix(rest, group+"_"); ok {
					return section + "." + group + "." + field
				}
			}
			return ""
		}
		return section + "." + rest
	}
	return ""
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be in 1..65535, got %d", c.Server.Port)
	check(c.Database.Path != "", "database.path is required")
	check(c.Logging.Format == "json" || c.Logging.Format == "console", "logging.format must be json or console")

	check(c.Ingest.BatchSize > 0, "ingest.batch_size must be positive")
	check(c.Ingest.IdleTimeout > 0, "ingest.idle_timeout must be positive")
	check(c.Ingest.SweepInterval > 0, "ingest.sweep_interval must be positive")

	check(c.Pipeline.PageSize > 0, "pipeline.page_size must be positive")
	check(c.Pipeline.Workers > 0, "pipeline.workers must be positive")
	check(c.Pipeline.QueueSize > 0, "pipeline.queue_size must be positive")
	check(c.Pipeline.TriggerDebounce >= 0, "pipeline.trigger_debounce must not be negative")
	check(c.Pipeline.GlobalSweepInterval > 0, "pipeline.global_sweep_interval must be positive")

	check(c.Anomaly.MaxAccuracyMeters > 0, "anomaly.max_accuracy_meters must be positive")
	check(c.Anomaly.MaxSpeedKmh > 0, "anomaly.max_speed_kmh must be positive")
	check(c.Anomaly.ContextPoints >= 0, "anomaly.context_points must not be negative")

	check(c.Density.TargetPointsPerMinute > 0, "density.target_points_per_minute must be positive")
	check(c.Density.MinGapSeconds >= 0, "density.min_gap_seconds must not be negative")

	if err := c.Detection.Parameter().Validate(); err != nil {
		errs = append(errs, err)
	}

	t := c.Transport
	check(t.WalkingMaxKmh > 0 && t.WalkingMaxKmh < t.CyclingMaxKmh && t.CyclingMaxKmh < t.DrivingMaxKmh,
		"transport thresholds must be positive and ascending")

	check(c.Events.Driver == events.DriverMemory || c.Events.Driver == events.DriverNATS,
		"events.driver must be memory or nats, got %q", c.Events.Driver)
	check(c.Events.Driver != events.DriverNATS || c.Events.NATSURL != "", "events.nats_url is required for the nats driver")

	check(c.RateLimit.RPS > 0 && c.RateLimit.Burst > 0, "ratelimit.rps and ratelimit.burst must be positive")

	return errors.Join(errs...)
}
