package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/timesync/internal/remote"
	"github.com/alexjbarnes/timesync/internal/snapshot"
	"github.com/alexjbarnes/timesync/internal/tables"
)

// Exporter captures the remote store into snapshot files.
type Exporter struct {
	store  remote.Store
	src    Source
	codec  *snapshot.Codec
	logger *slog.Logger
	now    func() time.Time
}

// NewExporter creates an Exporter writing to src.
func NewExporter(store remote.Store, src Source, codec *snapshot.Codec, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Exporter{store: store, src: src, codec: codec, logger: logger, now: time.Now}
}

// Create writes a new snapshot and returns its file name. A full snapshot
// holds every row of every table. An incremental holds the rows the store
// updated after the newest snapshot's watermark and requires a full
// snapshot to exist. Existing snapshot files are never overwritten.
func (e *Exporter) Create(ctx context.Context, kind snapshot.Kind) (string, *snapshot.Snapshot, error) {
	if kind != snapshot.KindFull && kind != snapshot.KindIncremental {
		return "", nil, fmt.Errorf("unknown snapshot kind %q", kind)
	}

	objs, err := e.src.List(ctx)
	if err != nil {
		return "", nil, err
	}

	var since time.Time

	if kind == snapshot.KindIncremental {
		chain, err := Discover(objs)
		if err != nil {
			return "", nil, err
		}

		if since, err = e.watermark(ctx, chain); err != nil {
			return "", nil, err
		}
	}

	capturedAt := e.now().UTC().Truncate(time.Millisecond)

	// Names sort after every existing snapshot so discovery keeps the
	// chain in order even when this clock lags the last writer's.
	if entries := Classify(objs); len(entries) > 0 {
		if last := entries[len(entries)-1].CapturedAt; !capturedAt.After(last) {
			capturedAt = last.Add(time.Millisecond)
		}
	}

	snap := snapshot.New(kind, capturedAt)
	watermark := since

	for _, spec := range tables.All() {
		rows, err := e.store.List(ctx, spec.Name, since)
		if err != nil {
			return "", nil, fmt.Errorf("exporting %s: %w", spec.Name, err)
		}

		for _, row := range rows {
			if t, ok := updatedAt(row); ok && t.After(watermark) {
				watermark = t
			}
		}

		if kind == snapshot.KindIncremental && len(rows) == 0 {
			continue
		}

		if rows == nil {
			rows = []tables.Row{}
		}

		snap.Tables[spec.Name] = rows
	}

	snap.Metadata.Watermark = &watermark

	data, err := e.codec.Encode(snap)
	if err != nil {
		return "", nil, err
	}

	name := Name(kind, capturedAt)
	if err := e.src.Write(ctx, name, data); err != nil {
		return "", nil, err
	}

	e.logger.Info("snapshot written",
		slog.String("name", name),
		slog.String("kind", string(kind)),
		slog.Int("records", snap.Count()),
		slog.Time("since", since),
		slog.Time("watermark", watermark),
		slog.Bool("encrypted", e.codec.Encrypts()),
	)

	return name, snap, nil
}

// watermark returns the store time the chain's newest snapshot covers.
// Snapshots without one fall back to their capture time.
func (e *Exporter) watermark(ctx context.Context, chain Chain) (time.Time, error) {
	names := chain.Names()
	newest := names[len(names)-1]

	s, err := readSnapshot(ctx, e.src, e.codec, newest)
	if err != nil {
		return time.Time{}, err
	}

	if s.Metadata.Watermark != nil {
		return *s.Metadata.Watermark, nil
	}

	e.logger.Warn("snapshot has no watermark, using its capture time",
		slog.String("name", newest),
	)

	return s.Timestamp, nil
}

// updatedAt reads the store timestamp attached to a listed row.
func updatedAt(row tables.Row) (time.Time, bool) {
	v, ok := row[remote.UpdatedAtField].(string)
	if !ok {
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}
