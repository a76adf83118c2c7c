// Package tables holds the fixed registry of replicated tables and the
// composite conflict key each one is identified by. The merge engine, the
// apply step, the remote store and the local cache all derive row identity
// from this registry, so they cannot disagree on it.
package tables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/alexjbarnes/timesync/internal/errors"
)

// RegistryVersion is bumped whenever a table is added or a key changes.
// Snapshots record it so a restore never applies rows keyed differently.
const RegistryVersion = 1

// Name is a logical table name.
type Name string

// Known tables.
const (
	Settings   Name = "settings"
	TimeBlocks Name = "time_blocks"
	Memories   Name = "memories"
	Reviews    Name = "reviews"
	Snapshots  Name = "snapshots"
)

// Spec declares a table and the ordered fields forming its business key.
// ContentFields, when set, names the fields (at any depth) that carry user
// content; emptiness checks ignore every other field. When unset, every
// non-key field counts.
type Spec struct {
	Name          Name
	KeyFields     []string
	ContentFields []string
}

// registry is in apply order: settings first so per-user preferences exist
// before the rows that depend on them.
var registry = []Spec{
	{Name: Settings, KeyFields: []string{"user_id"}},
	{
		Name:          TimeBlocks,
		KeyFields:     []string{"user_id", "year", "week_number"},
		ContentFields: []string{"category", "notes"},
	},
	{Name: Memories, KeyFields: []string{"user_id", "year", "month"}},
	{Name: Reviews, KeyFields: []string{"user_id", "year", "period_type", "period_number"}},
	{Name: Snapshots, KeyFields: []string{"user_id", "snapshot_date"}},
}

var known = []Name{Settings, TimeBlocks, Memories, Reviews, Snapshots}

// All returns every table spec in apply order.
func All() []Spec {
	out := make([]Spec, len(registry))
	copy(out, registry)

	return out
}

// Lookup returns the spec for a table.
func Lookup(name Name) (Spec, bool) {
	for _, s := range registry {
		if s.Name == name {
			return s, true
		}
	}

	return Spec{}, false
}

// Validate checks that every known table is registered exactly once with a
// non-empty, duplicate-free key. Called at startup by both commands.
func Validate() error {
	seen := make(map[Name]bool, len(registry))

	for _, s := range registry {
		if seen[s.Name] {
			return fmt.Errorf("table %q registered twice", s.Name)
		}

		seen[s.Name] = true

		if len(s.KeyFields) == 0 {
			return fmt.Errorf("table %q has no key fields", s.Name)
		}

		fields := make(map[string]bool, len(s.KeyFields))
		for _, f := range s.KeyFields {
			if f == "" || fields[f] {
				return fmt.Errorf("table %q has empty or duplicate key field %q", s.Name, f)
			}

			fields[f] = true
		}
	}

	for _, n := range known {
		if !seen[n] {
			return fmt.Errorf("table %q has no registry entry", n)
		}
	}

	return nil
}

// Row is a single record. Numbers are kept as json.Number so key values
// and payloads survive a decode/encode cycle unchanged.
type Row map[string]any

// DecodeRow decodes one JSON object into a Row.
func DecodeRow(data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var r Row
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}

	if r == nil {
		return nil, fmt.Errorf("decoding row: not an object")
	}

	return r, nil
}

// Key is the ordered list of a row's key field values.
type Key []string

// String encodes the key as a JSON array. Used as the storage identity in
// both the cache and the remote store.
func (k Key) String() string {
	data, _ := json.Marshal([]string(k))
	return string(data)
}

// KeyOf extracts the composite key of a row belonging to table.
func KeyOf(table Name, row Row) (Key, error) {
	spec, ok := Lookup(table)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownTable, table)
	}

	key := make(Key, 0, len(spec.KeyFields))

	for _, f := range spec.KeyFields {
		v, ok := row[f]
		if !ok || v == nil {
			return nil, fmt.Errorf("%w: %s.%s", errors.ErrMissingKeyField, table, f)
		}

		s, err := keyValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", table, f, err)
		}

		key = append(key, s)
	}

	return key, nil
}

func keyValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("unsupported key value type %T", v)
	}
}

// IsKeyField reports whether field is part of table's key.
func IsKeyField(table Name, field string) bool {
	spec, ok := Lookup(table)
	if !ok {
		return false
	}

	for _, f := range spec.KeyFields {
		if f == field {
			return true
		}
	}

	return false
}

// EntityRef identifies one entity instance: a row of a table.
type EntityRef struct {
	Table Name
	Key   Key
}

// RefOf builds the EntityRef for a row.
func RefOf(table Name, row Row) (EntityRef, error) {
	key, err := KeyOf(table, row)
	if err != nil {
		return EntityRef{}, err
	}

	return EntityRef{Table: table, Key: key}, nil
}

func (r EntityRef) String() string {
	return string(r.Table) + ":" + r.Key.String()
}
