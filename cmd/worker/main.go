package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"runbox/internal/config"
	"runbox/internal/monitor"
	"runbox/internal/queue"
	"runbox/internal/runtime"
	"runbox/internal/sandbox"
	"runbox/internal/storage"
	"runbox/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	if cfg.Database.DSN == "" {
		log.Fatal().Msg("database.dsn is required")
	}
	db, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	q, err := queue.NewRedisQueue(ctx, cfg.Queue.Addr, cfg.Queue.Stream, cfg.Queue.Group, queue.DeliveryPolicy{
		Attempts:       cfg.Queue.Attempts,
		InitialBackoff: cfg.Queue.InitialBackoff,
		LeaseTimeout:   cfg.Queue.LeaseTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Queue.Addr).Msg("failed to connect to redis")
	}
	defer q.Close()
	q.WithMetrics(metrics)

	runner := sandbox.NewRunner(runtime.NewRegistry(), cfg.Sandbox.WorkDir, cfg.Sandbox.Timeout)
	pool := worker.NewPool(cfg.Worker.PoolSize, q, db, runner, metrics)

	// Metrics endpoint for the worker process
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:        cfg.MetricsAddress(),
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", metricsSrv.Addr).Msg("metrics listener starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		if metricsSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("metrics listener shutdown error")
			}
		}

		cancel()
	}()

	log.Info().
		Int("pool_size", cfg.Worker.PoolSize).
		Str("queue", cfg.Queue.Stream).
		Str("work_dir", cfg.Sandbox.WorkDir).
		Msg("worker starting")

	if err := pool.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker pool failed")
	}

	log.Info().Msg("worker stopped")
}
