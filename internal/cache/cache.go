// Package cache is the local-first durable store for entity data. Each
// entity instance has exactly one entry, written before any network round
// trip and stamped with a strictly increasing wall-clock timestamp.
package cache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/timesync/internal/tables"
	bolt "go.etcd.io/bbolt"
)

const (
	// cacheDirPerm is the permission mode for the cache directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second

	// DefaultMaxAge is the staleness threshold after which an entry is no
	// longer trusted and must be refreshed from the remote store.
	DefaultMaxAge = time.Hour
)

func tableBucket(table tables.Name) []byte {
	return []byte("cache:" + string(table))
}

// Entry is the stored form of one entity instance. Timestamp is epoch
// milliseconds at the point of the last local mutation.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Time returns the entry timestamp as a time.Time.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Store wraps a bbolt database holding one bucket per table.
type Store struct {
	db     *bolt.DB
	bus    *Bus
	now    func() time.Time
	maxAge time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAge sets the staleness threshold. Zero disables staleness checks.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens the cache database at path, creating it and one bucket per
// registered table if needed.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, spec := range tables.All() {
			if _, err := tx.CreateBucketIfNotExists(tableBucket(spec.Name)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache db: %w", err)
	}

	s := &Store{
		db:     db,
		bus:    NewBus(),
		now:    time.Now,
		maxAge: DefaultMaxAge,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the entry for ref, or nil when there is none or when it is
// older than the staleness threshold. A stale entry is left on disk; the
// caller is expected to refresh it from the remote store.
func (s *Store) Get(ref tables.EntityRef) (*Entry, error) {
	e, err := s.Peek(ref)
	if err != nil || e == nil {
		return nil, err
	}

	if s.maxAge > 0 && s.now().Sub(e.Time()) > s.maxAge {
		return nil, nil
	}

	return e, nil
}

// Peek returns the entry for ref regardless of its age, or nil.
func (s *Store) Peek(ref tables.EntityRef) (*Entry, error) {
	var e *Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucket(ref.Table))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(ref.Key.String()))
		if v == nil {
			return nil
		}

		e = &Entry{}

		return json.Unmarshal(v, e)
	})
	if err != nil {
		return nil, fmt.Errorf("reading cache entry %s: %w", ref, err)
	}

	return e, nil
}

// Set replaces the entry for ref with data stamped now. The write is
// committed before Set returns. If the clock has not advanced past the
// previous timestamp, previous+1 is used so timestamps never repeat.
func (s *Store) Set(ref tables.EntityRef, data json.RawMessage) (Entry, error) {
	e := Entry{Data: data, Timestamp: s.now().UnixMilli()}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucket(ref.Table))
		if b == nil {
			return fmt.Errorf("cache bucket not initialized for table %s", ref.Table)
		}

		k := []byte(ref.Key.String())

		if prev := b.Get(k); prev != nil {
			var old Entry
			if err := json.Unmarshal(prev, &old); err == nil && e.Timestamp <= old.Timestamp {
				e.Timestamp = old.Timestamp + 1
			}
		}

		v, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put(k, v)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("writing cache entry %s: %w", ref, err)
	}

	s.bus.publish(Change{Ref: ref, Entry: e})

	return e, nil
}

// Remove deletes the entry for ref.
func (s *Store) Remove(ref tables.EntityRef) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucket(ref.Table))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(ref.Key.String()))
	})
	if err != nil {
		return fmt.Errorf("removing cache entry %s: %w", ref, err)
	}

	s.bus.publish(Change{Ref: ref, Removed: true})

	return nil
}

// Refs returns every cached entity of a table.
func (s *Store) Refs(table tables.Name) ([]tables.EntityRef, error) {
	var refs []tables.EntityRef

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tableBucket(table))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, _ []byte) error {
			var key tables.Key
			if err := json.Unmarshal(k, &key); err != nil {
				return err
			}

			refs = append(refs, tables.EntityRef{Table: table, Key: key})

			return nil
		})
	})

	return refs, err
}

// Subscribe registers for changes to ref made through this Store.
func (s *Store) Subscribe(ref tables.EntityRef) (<-chan Change, func()) {
	return s.bus.Subscribe(ref)
}
