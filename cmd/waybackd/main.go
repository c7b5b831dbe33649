package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpAdapter "github.com/signalmap/waybackd/internal/adapter/http"
	"github.com/signalmap/waybackd/internal/adapter/sqlstore"
	"github.com/signalmap/waybackd/internal/adapter/wayback"
	"github.com/signalmap/waybackd/internal/config"
	"github.com/signalmap/waybackd/internal/domain"
	"github.com/signalmap/waybackd/internal/logging"
	"github.com/signalmap/waybackd/internal/metrics"
	"github.com/signalmap/waybackd/internal/ratelimit"
	"github.com/signalmap/waybackd/internal/worker"
)

// directLookupReserve is the limiter budget a direct fetch keeps for index
// lookups. YouTube handles need up to twelve URL variants.
const directLookupReserve = 12

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "waybackd: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared by every outbound archive request, jobs and direct fetches alike.
	limiter := ratelimit.New(cfg.Wayback.RequestsPerMinute)
	registry := wayback.DefaultRegistry()
	directSample := max(limiter.Budget(cfg.Direct.Timeout)-directLookupReserve, 1)

	logger.Info("starting waybackd",
		"port", cfg.Server.Port,
		"db_driver", cfg.Database.Driver,
		"requests_per_minute", limiter.PerMinute(),
		"platforms", registry.Platforms(),
		"direct_max_sample", directSample,
	)

	source := wayback.New(wayback.Config{
		CDXURL:         cfg.Wayback.CDXURL,
		WebURL:         cfg.Wayback.WebURL,
		UserAgent:      cfg.Wayback.UserAgent,
		Timeout:        cfg.Wayback.FetchTimeout,
		CandidateLimit: cfg.Wayback.CandidateLimit,
	}, limiter, registry, logger)

	collectorOpts := domain.CollectorOptions{
		MaxAttempts:  cfg.Worker.MaxAttempts,
		BackoffBase:  cfg.Worker.BackoffBase,
		RefetchEmpty: cfg.Cache.RefetchEmpty,
	}
	m := metrics.New()

	store, err := sqlstore.Open(ctx, sqlstore.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Logger:       logger,
	})

	srvOpts := httpAdapter.Options{
		Addr:            cfg.Addr(),
		DirectTimeout:   cfg.Direct.Timeout,
		DirectMaxSample: directSample,
		Metrics:         m,
		Logger:          logger,
	}
	var w *worker.Worker
	if err != nil {
		// Degraded: the job API answers 503 and clients use GET /snapshots.
		logger.Error("job store unavailable, serving direct fetches only", "error", err)
		srvOpts.Direct = domain.NewCollector(source, nil, collectorOpts, logger)
	} else {
		defer store.Close()

		svc := domain.NewJobService(store, store.Cache())
		if recovered, err := svc.RecoverStale(ctx); err != nil {
			logger.Warn("failed to recover stale jobs", "error", err)
		} else if recovered > 0 {
			logger.Info("recovered stale jobs", "count", recovered)
		}

		collector := domain.NewCollector(source, store.Cache(), collectorOpts, logger)
		srvOpts.Jobs = svc
		srvOpts.Storage = store
		srvOpts.Direct = collector.WithoutCache()
		w = worker.New(svc, collector, cfg.Worker.PollInterval, cfg.Worker.Concurrency, m, logger)
	}

	srv := httpAdapter.NewServer(srvOpts)

	workerDone := make(chan struct{})
	if w != nil {
		go func() {
			w.Run(ctx)
			close(workerDone)
		}()
	} else {
		close(workerDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serveErr:
		logger.Error("HTTP server error", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker did not stop before the shutdown timeout")
	}
	logger.Info("shutdown complete")
}
