package main

import (
	"fmt"
	"io"
	"time"

	"github.com/alexjbarnes/timesync/internal/backup"
	"github.com/alexjbarnes/timesync/internal/config"
	"github.com/alexjbarnes/timesync/internal/remote"
	"github.com/alexjbarnes/timesync/internal/snapshot"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// printer formats record counts with digit grouping.
var printer = message.NewPrinter(language.English)

func newBackupCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a snapshot of the remote store",
		Example: `  timesync-backup backup --kind full
  timesync-backup backup --kind incremental`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k := snapshot.Kind(kind)
			if k != snapshot.KindFull && k != snapshot.KindIncremental {
				return fmt.Errorf("unknown snapshot kind %q (want full or incremental)", kind)
			}

			ctx := cmd.Context()

			d, err := setup(ctx, config.Export)
			if err != nil {
				return err
			}

			store, err := remote.Open(ctx, d.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("opening remote store: %w", err)
			}
			defer store.Close()

			name, snap, err := backup.NewExporter(store, d.src, d.codec, d.logger).Create(ctx, k)
			if err != nil {
				return err
			}

			printer.Fprintf(cmd.OutOrStdout(), "wrote %s (%d records)\n", name, snap.Count())

			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(snapshot.KindFull), "snapshot kind: full or incremental")

	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshot files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			d, err := setup(ctx, config.Inspect)
			if err != nil {
				return err
			}

			objs, err := d.src.List(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()

			for _, e := range backup.Classify(objs) {
				printer.Fprintf(w, "%-12s %-20s %10d  %s\n",
					e.Kind, e.CapturedAt.UTC().Format(time.RFC3339), e.Size, e.Name)
			}

			return nil
		},
	}
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan [auto|<file>]",
		Short: "Show what a restore would apply, without writing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := setup(ctx, config.Inspect)
			if err != nil {
				return err
			}

			plan, err := backup.Load(ctx, d.src, d.codec, target(args), d.logger)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)

			if err := enc.Encode(backup.SummarizePlan(plan)); err != nil {
				return err
			}

			return enc.Close()
		},
	}
}

func target(args []string) string {
	if len(args) == 0 {
		return backup.Auto
	}

	return args[0]
}

// printSummary writes the dataset a restore is about to apply.
func printSummary(w io.Writer, s backup.Summary) {
	printer.Fprintf(w, "%s snapshot captured %s", s.Kind, s.CapturedAt.UTC().Format(time.RFC3339))

	if s.MergedIncrementals > 0 {
		printer.Fprintf(w, ", %d incrementals merged", s.MergedIncrementals)
	}

	if s.Encrypted {
		fmt.Fprint(w, ", encrypted")
	}

	fmt.Fprintln(w)

	for _, f := range s.Files {
		fmt.Fprintf(w, "  file  %s\n", f)
	}

	for _, t := range s.Tables {
		printer.Fprintf(w, "  %-12s %10d\n", t.Table, t.Records)
	}

	printer.Fprintf(w, "  %-12s %10d\n", "total", s.TotalRecords)
}

// printReport writes the per-table outcome of a restore.
func printReport(w io.Writer, r backup.Report) {
	for _, t := range r.Tables {
		switch {
		case t.Skipped:
			fmt.Fprintf(w, "  %-12s skipped\n", t.Table)
		case t.Err != nil:
			printer.Fprintf(w, "  %-12s failed after %d of %d rows: %v\n", t.Table, t.Applied, t.Rows, t.Err)
		case t.Deleted > 0:
			printer.Fprintf(w, "  %-12s %d rows restored, %d removed first\n", t.Table, t.Applied, t.Deleted)
		default:
			printer.Fprintf(w, "  %-12s %d rows restored\n", t.Table, t.Applied)
		}
	}
}
