package backup

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/timesync/internal/errors"
	"github.com/alexjbarnes/timesync/internal/remote"
	"github.com/alexjbarnes/timesync/internal/snapshot"
	"github.com/alexjbarnes/timesync/internal/tables"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultBatchSize is the number of rows written per request.
	DefaultBatchSize = 500

	// defaultMaxRetries is how many times a failed batch is retried.
	defaultMaxRetries = 3

	// defaultRetryBase is the first retry delay; later ones double.
	defaultRetryBase = 500 * time.Millisecond
)

// Mode selects how a restore treats rows already in the remote store.
type Mode string

const (
	// ModeUpsert inserts or updates rows by key and leaves other rows.
	ModeUpsert Mode = "upsert"

	// ModeReplace wipes each restored table before inserting.
	ModeReplace Mode = "replace"
)

// ParseMode validates a mode flag value. Empty means upsert.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeUpsert:
		return ModeUpsert, nil
	case ModeReplace:
		return ModeReplace, nil
	default:
		return "", fmt.Errorf("unknown restore mode %q (want upsert or replace)", s)
	}
}

// Confirmer approves destructive steps.
type Confirmer interface {
	// ConfirmWipe asks whether every existing row of table may be
	// deleted before rows are restored into it.
	ConfirmWipe(ctx context.Context, table tables.Name, rows int) (bool, error)
}

// TableResult is the outcome for one table.
type TableResult struct {
	Table tables.Name
	Rows  int

	// Applied counts rows written before the table finished or failed;
	// on failure it is the offset of the failed batch.
	Applied int
	Deleted int64
	Skipped bool
	Err     error
}

// Report is the outcome of a restore.
type Report struct {
	Mode   Mode
	Tables []TableResult
}

// Failed reports whether any table failed.
func (r Report) Failed() bool {
	for _, t := range r.Tables {
		if t.Err != nil {
			return true
		}
	}

	return false
}

// Applier writes a dataset to the remote store.
type Applier struct {
	store      remote.Store
	logger     *slog.Logger
	confirm    Confirmer
	batchSize  int
	maxRetries uint64
	retryBase  time.Duration
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithBatchSize sets the rows per request. Values below one are ignored.
func WithBatchSize(n int) ApplierOption {
	return func(a *Applier) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithRetry sets the retry budget per batch.
func WithRetry(maxRetries uint64, base time.Duration) ApplierOption {
	return func(a *Applier) {
		a.maxRetries = maxRetries
		a.retryBase = base
	}
}

// WithConfirmer sets the approver consulted before replace-mode wipes.
func WithConfirmer(c Confirmer) ApplierOption {
	return func(a *Applier) { a.confirm = c }
}

// NewApplier creates an Applier writing to store.
func NewApplier(store remote.Store, logger *slog.Logger, opts ...ApplierOption) *Applier {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Applier{
		store:      store,
		logger:     logger,
		batchSize:  DefaultBatchSize,
		maxRetries: defaultMaxRetries,
		retryBase:  defaultRetryBase,
	}

	for _, o := range opts {
		o(a)
	}

	return a
}

func (a *Applier) backoff() retry.Backoff {
	return retry.WithMaxRetries(a.maxRetries, retry.NewExponential(a.retryBase))
}

// do runs fn under the retry policy. Registry errors are not retried.
func (a *Applier) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if stderrors.Is(err, errors.ErrMissingKeyField) || stderrors.Is(err, errors.ErrUnknownTable) {
			return err
		}

		return retry.RetryableError(err)
	})
}

// Apply writes snap to the store table by table in registry order. A
// table whose batch still fails after retries is abandoned at that offset
// and the remaining tables are still attempted. In replace mode each
// table present in snap is wiped first, after the Confirmer approves; a
// declined table is skipped. The returned error wraps
// errors.ErrApplyFailed when any table failed.
func (a *Applier) Apply(ctx context.Context, snap *snapshot.Snapshot, mode Mode) (Report, error) {
	report := Report{Mode: mode}

	if mode == ModeReplace && a.confirm == nil {
		return report, fmt.Errorf("replace mode requires confirmation: %w", errors.ErrNotInteractive)
	}

	for _, spec := range tables.All() {
		rows, ok := snap.Tables[spec.Name]
		if !ok {
			continue
		}

		res, err := a.applyTable(ctx, spec.Name, rows, mode)
		report.Tables = append(report.Tables, res)

		if err != nil {
			return report, err
		}
	}

	if report.Failed() {
		return report, errors.ErrApplyFailed
	}

	return report, nil
}

// applyTable restores one table. Its error return is reserved for
// conditions that stop the whole restore; table failures go in the
// result.
func (a *Applier) applyTable(ctx context.Context, table tables.Name, rows []tables.Row, mode Mode) (TableResult, error) {
	res := TableResult{Table: table, Rows: len(rows)}
	logger := a.logger.With(slog.String("table", string(table)))

	if mode == ModeReplace {
		ok, err := a.confirm.ConfirmWipe(ctx, table, len(rows))
		if err != nil {
			return res, err
		}

		if !ok {
			logger.Warn("replace declined, table skipped")

			res.Skipped = true

			return res, nil
		}

		err = a.do(ctx, func(ctx context.Context) error {
			n, err := a.store.DeleteAll(ctx, table)
			res.Deleted = n

			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}

			logger.Error("wiping table failed", slog.String("error", err.Error()))
			res.Err = fmt.Errorf("wiping %s: %w", table, err)

			return res, nil
		}

		logger.Info("table wiped", slog.Int64("rows", res.Deleted))
	}

	for off := 0; off < len(rows); off += a.batchSize {
		end := min(off+a.batchSize, len(rows))
		batch := rows[off:end]

		err := a.do(ctx, func(ctx context.Context) error {
			return a.store.UpsertBatch(ctx, table, batch)
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}

			logger.Error("batch failed, abandoning table",
				slog.Int("offset", off),
				slog.String("error", err.Error()),
			)
			res.Err = fmt.Errorf("%s at offset %d of %d: %w", table, off, len(rows), err)

			return res, nil
		}

		res.Applied = end
	}

	logger.Info("table restored", slog.Int("rows", res.Applied))

	return res, nil
}
