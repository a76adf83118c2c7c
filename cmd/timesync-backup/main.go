package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/timesync/internal/backup"
	"github.com/alexjbarnes/timesync/internal/config"
	"github.com/alexjbarnes/timesync/internal/logging"
	"github.com/alexjbarnes/timesync/internal/snapshot"
	"github.com/alexjbarnes/timesync/internal/tables"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "timesync-backup",
		Short:         "Export, inspect and restore timesync snapshots",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return tables.Validate()
		},
	}

	root.AddCommand(newBackupCmd(), newListCmd(), newPlanCmd(), newRestoreCmd())

	return root
}

// deps holds what a command needs from the environment.
type deps struct {
	cfg    *config.Config
	logger *slog.Logger
	src    backup.Source
	codec  *snapshot.Codec
}

func setup(ctx context.Context, p config.Purpose) (*deps, error) {
	cfg, err := config.Load(p)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)

	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}

	src, err := openSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Debug("snapshot source",
		slog.Any("source", src),
		slog.Bool("encrypted", codec.Encrypts()),
	)

	return &deps{cfg: cfg, logger: logger, src: src, codec: codec}, nil
}

func openSource(ctx context.Context, cfg *config.Config) (backup.Source, error) {
	if cfg.BackupDir != "" {
		return backup.NewDirSource(cfg.BackupDir)
	}

	return backup.NewS3Source(ctx, cfg.S3())
}
