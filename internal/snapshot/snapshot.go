// Package snapshot defines the backup file format and its codec: JSON
// documents, optionally sealed in an AES-256-GCM envelope.
package snapshot

import (
	"time"

	"github.com/alexjbarnes/timesync/internal/tables"
	"github.com/google/uuid"
)

// FormatVersion is the snapshot document version written by this package.
const FormatVersion = 1

// Kind distinguishes complete captures from deltas.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// Metadata summarizes a snapshot for operators.
type Metadata struct {
	TotalRecords int  `json:"totalRecords" validate:"gte=0"`
	Encrypted    bool `json:"encrypted"`

	// MergedIncrementals is set only on datasets produced by merging a
	// chain: the number of incrementals folded into the full snapshot.
	MergedIncrementals *int `json:"mergedIncrementals,omitempty"`

	// Watermark is the newest store updated_at among the rows this
	// snapshot covers, in the store's clock. The next incremental exports
	// rows updated after it. Nil on snapshots from older writers.
	Watermark *time.Time `json:"watermark,omitempty"`

	// KeyRegistryVersion records the table key registry the snapshot was
	// written under. Zero means unknown (older writers).
	KeyRegistryVersion int `json:"keyRegistryVersion,omitempty" validate:"gte=0"`
}

// Snapshot is an immutable capture of table rows at a point in time.
type Snapshot struct {
	Version   int                          `json:"version" validate:"required,gte=1"`
	ID        string                       `json:"id,omitempty" validate:"omitempty,uuid"`
	Timestamp time.Time                    `json:"timestamp" validate:"required"`
	Kind      Kind                         `json:"kind" validate:"required,oneof=full incremental"`
	Tables    map[tables.Name][]tables.Row `json:"tables"`
	Metadata  Metadata                     `json:"metadata"`
}

// New creates an empty snapshot of the given kind captured at ts.
func New(kind Kind, ts time.Time) *Snapshot {
	return &Snapshot{
		Version:   FormatVersion,
		ID:        uuid.NewString(),
		Timestamp: ts.UTC(),
		Kind:      kind,
		Tables:    make(map[tables.Name][]tables.Row),
		Metadata:  Metadata{KeyRegistryVersion: tables.RegistryVersion},
	}
}

// Count returns the number of rows across all tables.
func (s *Snapshot) Count() int {
	n := 0
	for _, rows := range s.Tables {
		n += len(rows)
	}

	return n
}
