package backup

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/timesync/internal/errors"
	"github.com/alexjbarnes/timesync/internal/snapshot"
	"github.com/alexjbarnes/timesync/internal/tables"
	"github.com/google/uuid"
)

// keyedRows is one table's rows keyed by business key, in first-seen
// order.
type keyedRows struct {
	order []string
	rows  map[string]tables.Row
}

func (k *keyedRows) put(table tables.Name, row tables.Row) error {
	key, err := tables.KeyOf(table, row)
	if err != nil {
		return err
	}

	ks := key.String()
	if _, ok := k.rows[ks]; !ok {
		k.order = append(k.order, ks)
	}

	k.rows[ks] = row

	return nil
}

func (k *keyedRows) list() []tables.Row {
	out := make([]tables.Row, 0, len(k.order))
	for _, ks := range k.order {
		out = append(out, k.rows[ks])
	}

	return out
}

func checkRegistry(s *snapshot.Snapshot) error {
	v := s.Metadata.KeyRegistryVersion
	if v != 0 && v != tables.RegistryVersion {
		return fmt.Errorf("%w: snapshot %s has %d, expected %d", errors.ErrRegistryMismatch, s.ID, v, tables.RegistryVersion)
	}

	return nil
}

// Merge replays incs over full in slice order and returns the merged
// dataset. A row in a later incremental replaces any earlier row with the
// same key, whatever timestamps the rows carry. Inputs are not modified.
func Merge(full *snapshot.Snapshot, incs []*snapshot.Snapshot) (*snapshot.Snapshot, error) {
	if full == nil || full.Kind != snapshot.KindFull {
		return nil, fmt.Errorf("%w: merge base must be a full snapshot", errors.ErrInvalidSnapshot)
	}

	if err := checkRegistry(full); err != nil {
		return nil, err
	}

	state := make(map[tables.Name]*keyedRows)

	apply := func(s *snapshot.Snapshot) error {
		for name := range s.Tables {
			if _, ok := tables.Lookup(name); !ok {
				return fmt.Errorf("snapshot %s: %w: %q", s.ID, errors.ErrUnknownTable, name)
			}
		}

		for _, spec := range tables.All() {
			rows, ok := s.Tables[spec.Name]
			if !ok {
				continue
			}

			kr := state[spec.Name]
			if kr == nil {
				kr = &keyedRows{rows: make(map[string]tables.Row)}
				state[spec.Name] = kr
			}

			for i, row := range rows {
				if err := kr.put(spec.Name, row); err != nil {
					return fmt.Errorf("snapshot %s table %s row %d: %w", s.ID, spec.Name, i, err)
				}
			}
		}

		return nil
	}

	if err := apply(full); err != nil {
		return nil, err
	}

	capturedAt := full.Timestamp

	for _, inc := range incs {
		if inc.Kind != snapshot.KindIncremental {
			return nil, fmt.Errorf("%w: snapshot %s is %s, expected incremental", errors.ErrInvalidSnapshot, inc.ID, inc.Kind)
		}

		if err := checkRegistry(inc); err != nil {
			return nil, err
		}

		if err := apply(inc); err != nil {
			return nil, err
		}

		if inc.Timestamp.After(capturedAt) {
			capturedAt = inc.Timestamp
		}
	}

	merged := &snapshot.Snapshot{
		Version:   snapshot.FormatVersion,
		ID:        uuid.NewString(),
		Timestamp: capturedAt.UTC(),
		Kind:      snapshot.KindFull,
		Tables:    make(map[tables.Name][]tables.Row, len(state)),
	}

	for name, kr := range state {
		merged.Tables[name] = kr.list()
	}

	n := len(incs)
	merged.Metadata = snapshot.Metadata{
		TotalRecords:       merged.Count(),
		Encrypted:          anyEncrypted(full, incs),
		MergedIncrementals: &n,
		Watermark:          newestWatermark(full, incs),
		KeyRegistryVersion: tables.RegistryVersion,
	}

	return merged, nil
}

func newestWatermark(full *snapshot.Snapshot, incs []*snapshot.Snapshot) *time.Time {
	newest := full.Metadata.Watermark

	for _, inc := range incs {
		if w := inc.Metadata.Watermark; w != nil && (newest == nil || w.After(*newest)) {
			newest = w
		}
	}

	return newest
}

func anyEncrypted(full *snapshot.Snapshot, incs []*snapshot.Snapshot) bool {
	if full.Metadata.Encrypted {
		return true
	}

	for _, s := range incs {
		if s.Metadata.Encrypted {
			return true
		}
	}

	return false
}
