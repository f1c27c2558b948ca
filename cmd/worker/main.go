// The worker daemon runs the scheduled pipelines: collector and ingestor
// sessions per dataset, the weekly advisory run, and the retention cleanup
// sweep. A minimal HTTP listener exposes health and metrics.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"agromet/internal/catalog"
	"agromet/internal/collector"
	"agromet/internal/config"
	"agromet/internal/dcas"
	"agromet/internal/ingestor"
	"agromet/internal/jobs"
	"agromet/internal/observability"
	"agromet/internal/provider"
	"agromet/internal/reader"
	"agromet/internal/scheduler"
	"agromet/internal/store/object"
)

// stageTableTTL bounds staleness of the cached crop stage threshold tables.
const stageTableTTL = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to catalog database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	objects, err := object.NewClient(cfg.ObjectStore)
	if err != nil {
		logger.Error("failed to connect to object store", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password.Unmask(),
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	metrics := observability.NewMetrics()

	datasets := catalog.NewDatasetRepository(pool)
	countries := catalog.NewCountryRepository(pool)
	grids := catalog.NewGridRepository(pool)
	sessions := catalog.NewSessionRepository(pool)
	files := catalog.NewDataSourceFileRepository(pool)
	stations := catalog.NewStationRepository(pool)
	crops := catalog.NewCropRepository(pool)
	farms := catalog.NewFarmRepository(pool)
	requests := catalog.NewDCASRequestRepository(pool)
	jobRows := catalog.NewJobRepository(pool)

	httpClient := &http.Client{Timeout: cfg.Collector.RequestTimeout}
	base := provider.NewBaseClient(httpClient, "timelines", provider.DefaultRetryPolicy(), "agromet/1.0")
	fetcher := provider.NewTimelinesClient(base, cfg.Providers.TimelinesBaseURL, cfg.Providers.TimelinesAPIKey)
	cancelFlag := collector.NewCancelFlag(rdb, cfg.Collector.CancelFlagTTL)

	readerSvc := reader.NewService(cfg.Reader, objects, files, stations, metrics, logger)
	readerCache := reader.NewCache(cfg.Reader, objects, logger)

	collectorRunner := collector.NewRunner(cfg.Collector, objects, fetcher, sessions, files, cancelFlag, metrics, logger)
	ingestorRunner := ingestor.NewRunner(cfg.Ingestor, objects, sessions, files, readerCache, metrics, logger)

	stageEngine := dcas.NewStageEngine(crops, stageTableTTL)
	ruleEngine := dcas.NewRuleEngine(dcas.DefaultRules()...)
	orchestrator := dcas.NewOrchestrator(cfg.DCAS, farms, grids, crops, requests,
		stageEngine, ruleEngine, readerSvc, objects, metrics, logger)

	executor := jobs.NewExecutor(cfg.Jobs, cfg.ObjectStore.PresignExpiry,
		jobRows, readerSvc, readerCache, objects, metrics, logger)

	sched := scheduler.New(cfg.Scheduler, cfg.DCAS, cfg.Jobs, cfg.Reader, scheduler.Deps{
		Datasets:  datasets,
		Countries: countries,
		Grids:     grids,
		Sessions:  sessions,
		Files:     files,
		Groups:    farms,
		Collector: collectorRunner,
		Ingestor:  ingestorRunner,
		Advisory:  orchestrator,
		Jobs:      executor,
		Sweep:     files,
		Objects:   objects,
	}, logger)
	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("worker listening", slog.String("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Let running cron jobs drain before closing the pool.
	<-sched.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.Any("error", err))
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With(slog.String("service", cfg.Service))
	slog.SetDefault(logger)
	return logger
}

func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, err
	}
	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
