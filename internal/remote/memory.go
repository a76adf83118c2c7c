package remote

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/timesync/internal/tables"
)

type memRow struct {
	key       string
	data      json.RawMessage
	updatedAt time.Time
}

// Memory is a process-local Store. It backs "memory:" URLs for dry runs
// and stands in for Postgres in tests.
type Memory struct {
	mu   sync.Mutex
	rows map[tables.Name]map[string]memRow
	now  func() time.Time
	last time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rows: make(map[tables.Name]map[string]memRow),
		now:  time.Now,
	}
}

// SetClock overrides the clock used for updated_at.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = now
}

// Close implements io.Closer.
func (m *Memory) Close() error { return nil }

// stamp returns a write time strictly after the previous one, mirroring a
// store that orders every accepted write.
func (m *Memory) stamp() time.Time {
	t := m.now()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}

	m.last = t

	return t
}

func (m *Memory) table(name tables.Name) map[string]memRow {
	t, ok := m.rows[name]
	if !ok {
		t = make(map[string]memRow)
		m.rows[name] = t
	}

	return t
}

// Fetch implements Store.
func (m *Memory) Fetch(_ context.Context, ref tables.EntityRef) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.table(ref.Table)[ref.Key.String()]
	if !ok {
		return nil, nil
	}

	return &Record{Data: append(json.RawMessage(nil), r.data...), UpdatedAt: r.updatedAt}, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, ref tables.EntityRef, data json.RawMessage) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := memRow{key: ref.Key.String(), data: append(json.RawMessage(nil), data...), updatedAt: m.stamp()}
	m.table(ref.Table)[r.key] = r

	return &Record{Data: append(json.RawMessage(nil), r.data...), UpdatedAt: r.updatedAt}, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, ref tables.EntityRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.table(ref.Table), ref.Key.String())

	return nil
}

// UpsertBatch implements Store.
func (m *Memory) UpsertBatch(_ context.Context, table tables.Name, rows []tables.Row) error {
	keys, rows, err := dedupe(table, rows)
	if err != nil {
		return err
	}

	staged := make([]memRow, 0, len(rows))

	for i, row := range rows {
		data, err := rowData(row)
		if err != nil {
			return err
		}

		staged = append(staged, memRow{key: keys[i], data: data})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	ts := m.stamp()

	for _, r := range staged {
		r.updatedAt = ts
		t[r.key] = r
	}

	return nil
}

// DeleteAll implements Store.
func (m *Memory) DeleteAll(_ context.Context, table tables.Name) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.rows[table]))
	delete(m.rows, table)

	return n, nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, table tables.Name, since time.Time) ([]tables.Row, error) {
	m.mu.Lock()

	var matched []memRow

	for _, r := range m.table(table) {
		if r.updatedAt.After(since) {
			matched = append(matched, r)
		}
	}

	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].updatedAt.Equal(matched[j].updatedAt) {
			return matched[i].updatedAt.Before(matched[j].updatedAt)
		}

		return matched[i].key < matched[j].key
	})

	out := make([]tables.Row, 0, len(matched))

	for _, r := range matched {
		row, err := listedRow(r.data, r.updatedAt)
		if err != nil {
			return nil, err
		}

		out = append(out, row)
	}

	return out, nil
}

// Len returns the number of rows stored for a table.
func (m *Memory) Len(table tables.Name) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.rows[table])
}
