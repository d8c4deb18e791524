package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/readlater/internal/config"
	"github.com/bryan-buckman/readlater/internal/database"
	"github.com/bryan-buckman/readlater/internal/ingest"
	"github.com/bryan-buckman/readlater/internal/logging"
	"github.com/bryan-buckman/readlater/internal/metrics"
	"github.com/bryan-buckman/readlater/internal/rss"
	"github.com/bryan-buckman/readlater/internal/scheduler"
	"github.com/bryan-buckman/readlater/internal/server"
	"github.com/bryan-buckman/readlater/internal/triage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "readlater: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args, os.Getenv)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("database opened", "type", store.DatabaseType())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	source := rss.NewSource(rss.Options{
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.UserAgent,
	})
	engine := ingest.NewEngine(store, source, ingest.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         log.With("component", "ingest"),
		Metrics:        m,
	})
	triager := triage.New(store, log.With("component", "triage"), m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(engine, scheduler.Options{
		Interval:   cfg.RefreshInterval,
		RunTimeout: cfg.RefreshTimeout,
		Logger:     log.With("component", "scheduler"),
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	httpServer := &http.Server{
		Addr: cfg.Addr,
		Handler: server.New(server.Options{
			Engine:         engine,
			Triage:         triager,
			Gatherer:       reg,
			Logger:         log.With("component", "http"),
			RefreshTimeout: cfg.RefreshTimeout,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg *config.Config) (database.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case config.DriverMemory:
		return database.NewMemory(), nil
	default:
		db, err := database.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}
