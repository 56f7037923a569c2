package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/trail-pipeline/internal/analysis/foundation"
	"github.com/jengzang/trail-pipeline/internal/analysis/places"
	"github.com/jengzang/trail-pipeline/internal/api"
	"github.com/jengzang/trail-pipeline/internal/config"
	"github.com/jengzang/trail-pipeline/internal/database"
	"github.com/jengzang/trail-pipeline/internal/events"
	"github.com/jengzang/trail-pipeline/internal/handler"
	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/models"
	"github.com/jengzang/trail-pipeline/internal/pipeline"
	"github.com/jengzang/trail-pipeline/internal/repository"
	"github.com/jengzang/trail-pipeline/internal/service"
	"github.com/jengzang/trail-pipeline/internal/supervisor"
	"github.com/jengzang/trail-pipeline/internal/timezone"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logging.Fatal().Err(err).Msg("Failed to create data directory")
	}
	db, err := database.OpenAndMigrate(ctx, cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	repos := repository.New(db, cfg.Detection.Parameter())
	repos.TransportModes.SetDefaults(cfg.Transport.Modes())

	publisher, err := events.Open(cfg.Events)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open event publisher")
	}
	bus := events.NewBus(publisher)
	defer bus.Close()

	var zones timezone.Lookup = timezone.Fixed("UTC")
	if finder, err := timezone.Default(); err != nil {
		logging.Warn().Err(err).Msg("Timezone lookup unavailable, places default to UTC")
	} else {
		zones = finder
	}
	resolver := places.NewResolver(repos.Places, repos.Overrides, zones, bus)

	// trigger chain: ingest -> debouncer -> worker pool -> orchestrator
	orchestrator := pipeline.NewOrchestrator(repos, resolver, bus, cfg.Pipeline)
	pool := pipeline.NewWorkerPool(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, orchestrator.ProcessUser)
	debouncer := pipeline.NewDebouncer(cfg.Pipeline.TriggerDebounce, func(scope models.Scope) { pool.Submit(scope) })
	defer debouncer.Stop()

	ingestor := pipeline.NewIngestor(repos.Points,
		foundation.NewAnomalyFilter(repos.Points, cfg.Anomaly),
		foundation.NewDensityNormalizer(repos.Points, repos.Parameters, cfg.Density),
		bus, debouncer)
	batcher := pipeline.NewBatcher(cfg.Ingest, ingestor.Store)
	sweeper := pipeline.NewSweeper(repos, pool, cfg.Pipeline)
	previews := pipeline.NewPreviewRunner(repos, ingestor, orchestrator)

	visits := service.NewVisitService(repos.ProcessedVisits, repos.Places)
	trips := service.NewTripService(repos.Trips)
	gin.SetMode(gin.ReleaseMode)
	router := api.SetupRouter(api.Handlers{
		Points:     handler.NewPointHandler(service.NewPointService(batcher, repos.Points, debouncer)),
		Visits:     handler.NewVisitHandler(visits, trips),
		Places:     handler.NewPlaceHandler(service.NewPlaceService(repos.Places, repos.Overrides)),
		Parameters: handler.NewParameterHandler(service.NewParameterService(repos.Parameters), service.NewTransportModeService(repos.TransportModes)),
		Previews:   handler.NewPreviewHandler(service.NewPreviewService(previews, repos.Previews, visits, trips)),
	}, cfg.RateLimit)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddPipelineService(batcher)
	tree.AddPipelineService(pool)
	tree.AddPipelineService(sweeper)
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", server.Addr).
		Str("events", cfg.Events.Driver).
		Int("workers", cfg.Pipeline.Workers).
		Msg("Server starting")

	errCh := tree.ServeBackground(ctx)
	<-ctx.Done()
	logging.Info().Msg("Shutting down")

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor stopped with error")
	}
	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
	}
	logging.Info().Msg("Server stopped")
}
