// Package remote is the authoritative store every client reconciles with.
// Each accepted write stamps the row's updated_at, which is the only
// ordering signal trusted across clients.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alexjbarnes/timesync/internal/tables"
)

// UpdatedAtField is the row field carrying the store's write timestamp in
// List output. It is stripped from rows on write.
const UpdatedAtField = "updated_at"

// Record is the authoritative row for one entity instance.
type Record struct {
	Data      json.RawMessage
	UpdatedAt time.Time
}

//go:generate mockgen -source=store.go -destination=mock_store.go -package=remote

// Store is the remote store contract used by sync sessions and by the
// restore pipeline.
type Store interface {
	// Fetch returns the row for ref, or nil if none exists.
	Fetch(ctx context.Context, ref tables.EntityRef) (*Record, error)
	// Put writes one row and returns it with the new updated_at.
	Put(ctx context.Context, ref tables.EntityRef, data json.RawMessage) (*Record, error)
	// Delete removes one row.
	Delete(ctx context.Context, ref tables.EntityRef) error
	// UpsertBatch writes rows keyed by the table's composite conflict key,
	// atomically for the batch.
	UpsertBatch(ctx context.Context, table tables.Name, rows []tables.Row) error
	// DeleteAll wipes a table and returns how many rows were removed.
	DeleteAll(ctx context.Context, table tables.Name) (int64, error)
	// List returns rows written after since (all rows for the zero time),
	// each carrying UpdatedAtField.
	List(ctx context.Context, table tables.Name, since time.Time) ([]tables.Row, error)
}

// StoreCloser is a Store holding resources that must be released.
type StoreCloser interface {
	Store
	io.Closer
}

// Open connects to the store named by url: a postgres:// or postgresql://
// DSN, or "memory:" for a process-local store.
func Open(ctx context.Context, url string) (StoreCloser, error) {
	switch {
	case url == "memory:":
		return NewMemory(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported remote store url scheme")
	}
}

// rowData strips store-managed fields and encodes a row for storage.
func rowData(row tables.Row) (json.RawMessage, error) {
	clean := make(tables.Row, len(row))
	for k, v := range row {
		if k == UpdatedAtField {
			continue
		}

		clean[k] = v
	}

	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("encoding row: %w", err)
	}

	return data, nil
}

// listedRow decodes stored data and attaches its updated_at.
func listedRow(data []byte, updatedAt time.Time) (tables.Row, error) {
	row, err := tables.DecodeRow(data)
	if err != nil {
		return nil, err
	}

	row[UpdatedAtField] = updatedAt.UTC().Format(time.RFC3339Nano)

	return row, nil
}

// dedupe keeps the last row for each key, preserving first-seen order.
func dedupe(table tables.Name, rows []tables.Row) ([]string, []tables.Row, error) {
	index := make(map[string]int, len(rows))
	keys := make([]string, 0, len(rows))
	out := make([]tables.Row, 0, len(rows))

	for _, row := range rows {
		key, err := tables.KeyOf(table, row)
		if err != nil {
			return nil, nil, err
		}

		k := key.String()
		if i, ok := index[k]; ok {
			out[i] = row
			continue
		}

		index[k] = len(out)
		keys = append(keys, k)
		out = append(out, row)
	}

	return keys, out, nil
}
