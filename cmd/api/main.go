// The api daemon serves the measurement and job endpoints over the dataset
// stores.
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

	"agromet/internal/api"
	"agromet/internal/catalog"
	"agromet/internal/config"
	"agromet/internal/core"
	"agromet/internal/jobs"
	"agromet/internal/observability"
	"agromet/internal/reader"
	"agromet/internal/store/object"
)

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

	metrics := observability.NewMetrics()

	datasets := catalog.NewDatasetRepository(pool)
	files := catalog.NewDataSourceFileRepository(pool)
	stations := catalog.NewStationRepository(pool)
	jobRows := catalog.NewJobRepository(pool)

	readerSvc := reader.NewService(cfg.Reader, objects, files, stations, metrics, logger)
	readerCache := reader.NewCache(cfg.Reader, objects, logger)
	executor := jobs.NewExecutor(cfg.Jobs, cfg.ObjectStore.PresignExpiry,
		jobRows, readerSvc, readerCache, objects, metrics, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		logger.Error("failed to build server", slog.Any("error", err))
		os.Exit(1)
	}
	// Inline jobs hold the connection for up to the wait budget.
	srv.RequestTimeout = cfg.Jobs.InlineWaitTimeout + time.Minute
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
		core.ProbeFunc{ProbeName: "object_store", Fn: func(ctx context.Context) error {
			_, err := objects.Exists(ctx, objects.Key(object.KindUserData, ".health"))
			return err
		}},
	}

	handler := api.NewHandler(datasets, executor, jobRows, logger)
	srv.Mount(handler.Routes)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", slog.String("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

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
