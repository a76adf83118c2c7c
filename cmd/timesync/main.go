package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/timesync/internal/cache"
	"github.com/alexjbarnes/timesync/internal/config"
	"github.com/alexjbarnes/timesync/internal/logging"
	"github.com/alexjbarnes/timesync/internal/mirror"
	"github.com/alexjbarnes/timesync/internal/remote"
	"github.com/alexjbarnes/timesync/internal/tables"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := tables.Validate(); err != nil {
		return fmt.Errorf("table registry: %w", err)
	}

	cfg, err := config.Load(config.Daemon)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)
	logger.Info("timesync starting",
		slog.String("version", Version),
		slog.String("mirror", cfg.MirrorDir),
		slog.String("cache", cfg.CachePath),
		slog.Duration("interval", cfg.SyncInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.Open(cfg.CachePath, cache.WithMaxAge(cfg.CacheMaxAge))
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer store.Close()

	rs, err := remote.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening remote store: %w", err)
	}
	defer rs.Close()

	m, err := mirror.New(cfg.MirrorDir, logger)
	if err != nil {
		return fmt.Errorf("opening mirror: %w", err)
	}

	if err := newDaemon(store, rs, m, cfg.SyncInterval, logger).run(ctx); err != nil {
		return err
	}

	logger.Info("timesync stopped")

	return nil
}
