package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"os"

	"github.com/alexjbarnes/timesync/internal/backup"
	"github.com/alexjbarnes/timesync/internal/config"
	"github.com/alexjbarnes/timesync/internal/errors"
	"github.com/alexjbarnes/timesync/internal/remote"
	"github.com/alexjbarnes/timesync/internal/tables"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// isTerminal and confirm are test seams for the interactive prompt.
var (
	isTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	confirm    = huhConfirm
)

func huhConfirm(title, description string) (bool, error) {
	var ok bool

	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if stderrors.Is(err, huh.ErrUserAborted) {
		return false, errors.ErrAborted
	}

	return ok, err
}

// promptConfirmer asks before each replace-mode wipe.
type promptConfirmer struct{}

func (promptConfirmer) ConfirmWipe(_ context.Context, table tables.Name, rows int) (bool, error) {
	return confirm(
		fmt.Sprintf("Delete every row of %s?", table),
		printer.Sprintf("Replace mode removes all existing %s rows before restoring %d.", table, rows),
	)
}

// approveAll stands in for the operator when --wipe is given.
type approveAll struct{}

func (approveAll) ConfirmWipe(context.Context, tables.Name, int) (bool, error) {
	return true, nil
}

func newRestoreCmd() *cobra.Command {
	var (
		mode string
		yes  bool
		wipe bool
	)

	cmd := &cobra.Command{
		Use:   "restore [auto|<file>]",
		Short: "Apply snapshots to the remote store",
		Long: `Restore resolves the target (by default the newest full snapshot and
the incrementals after it), prints what it found and asks for confirmation
before writing. Upsert mode leaves rows that are not in the snapshot;
replace mode wipes each restored table first. --yes skips the restore
prompt only; each replace-mode wipe is still confirmed unless --wipe is
also given.`,
		Example: `  timesync-backup restore
  timesync-backup restore backup-full-2026-01-01.json --mode replace
  timesync-backup restore --mode replace --yes --wipe`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := backup.ParseMode(mode)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			d, err := setup(ctx, config.Restore)
			if err != nil {
				return err
			}

			plan, err := backup.Load(ctx, d.src, d.codec, target(args), d.logger)
			if err != nil {
				return err
			}

			printSummary(out, backup.SummarizePlan(plan))

			var approver backup.Confirmer = approveAll{}

			if !wipe {
				approver = promptConfirmer{}
			}

			needPrompt := !yes || (m == backup.ModeReplace && !wipe)
			if needPrompt && !isTerminal() {
				return errors.ErrNotInteractive
			}

			if !yes {

				ok, err := confirm(
					printer.Sprintf("Restore %d records in %s mode?", plan.Merged.Count(), m),
					"Rows are written to "+redact(d.cfg.DatabaseURL)+".",
				)
				if err != nil {
					return err
				}

				if !ok {
					return errors.ErrAborted
				}
			}

			store, err := remote.Open(ctx, d.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("opening remote store: %w", err)
			}
			defer store.Close()

			applier := backup.NewApplier(store, d.logger,
				backup.WithBatchSize(d.cfg.RestoreBatchSize),
				backup.WithConfirmer(approver),
			)

			report, err := applier.Apply(ctx, plan.Merged, m)
			printReport(out, report)

			return err
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(backup.ModeUpsert), "restore mode: upsert or replace")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the restore confirmation prompt")
	cmd.Flags().BoolVar(&wipe, "wipe", false, "approve replace-mode table wipes without prompting")

	return cmd
}

// redact hides the password in a database URL.
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return dsn
	}

	return u.Redacted()
}
