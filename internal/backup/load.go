package backup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/timesync/internal/snapshot"
)

// Auto selects the newest full snapshot and its incrementals.
const Auto = "auto"

// Plan is a resolved restore target: the files read and the dataset they
// merge into.
type Plan struct {
	// Files lists the snapshot files in replay order.
	Files  []string
	Merged *snapshot.Snapshot
}

// Load resolves target against src. For Auto (or empty) the chain is
// discovered and merged; otherwise the named file is used on its own.
// Any file that cannot be read or decoded aborts the load: a merge that
// silently skipped a delta would be missing unknown changes.
func Load(ctx context.Context, src Source, codec *snapshot.Codec, target string, logger *slog.Logger) (*Plan, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if target != "" && target != Auto {
		snap, err := readSnapshot(ctx, src, codec, target)
		if err != nil {
			return nil, err
		}

		merged := snap
		if snap.Kind == snapshot.KindFull {
			if merged, err = Merge(snap, nil); err != nil {
				return nil, err
			}
		}

		return &Plan{Files: []string{target}, Merged: merged}, nil
	}

	objs, err := src.List(ctx)
	if err != nil {
		return nil, err
	}

	chain, err := Discover(objs)
	if err != nil {
		return nil, err
	}

	logger.Info("discovered snapshot chain",
		slog.String("full", chain.Full.Name),
		slog.Int("incrementals", len(chain.Incrementals)),
	)

	full, err := readSnapshot(ctx, src, codec, chain.Full.Name)
	if err != nil {
		return nil, err
	}

	incs := make([]*snapshot.Snapshot, 0, len(chain.Incrementals))

	for _, e := range chain.Incrementals {
		s, err := readSnapshot(ctx, src, codec, e.Name)
		if err != nil {
			return nil, err
		}

		incs = append(incs, s)
	}

	merged, err := Merge(full, incs)
	if err != nil {
		return nil, err
	}

	return &Plan{Files: chain.Names(), Merged: merged}, nil
}

func readSnapshot(ctx context.Context, src Source, codec *snapshot.Codec, name string) (*snapshot.Snapshot, error) {
	data, err := src.Read(ctx, name)
	if err != nil {
		return nil, err
	}

	s, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}

	return s, nil
}
