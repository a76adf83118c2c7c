// Package session keeps one entity instance in sync between the local cache
// and the remote store. A Session owns the pull and push paths for its
// entity; a Scheduler decides when each runs.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/timesync/internal/cache"
	"github.com/alexjbarnes/timesync/internal/errors"
	"github.com/alexjbarnes/timesync/internal/remote"
	"github.com/alexjbarnes/timesync/internal/resolve"
	"github.com/alexjbarnes/timesync/internal/tables"
	"golang.org/x/sync/semaphore"
)

// Config holds the dependencies of a Session.
type Config struct {
	Ref    tables.EntityRef
	Cache  *cache.Store
	Remote remote.Store
	Logger *slog.Logger

	// Default is the payload used when neither the cache nor the remote
	// store has the entity. Nil means an empty JSON object.
	Default json.RawMessage

	// Now overrides the wall clock used for lastSynced, for tests.
	Now func() time.Time
}

// Session is the sync state machine for one entity instance. Push and pull
// never overlap for the same session; distinct sessions never share a lock.
type Session struct {
	ref    tables.EntityRef
	cache  *cache.Store
	remote remote.Store
	logger *slog.Logger
	empty  json.RawMessage
	now    func() time.Time

	// busy admits one push or pull at a time. TryAcquire failures are
	// skipped ticks, not errors.
	busy *semaphore.Weighted

	// writeMu serializes cache writes made by the session so an adopt
	// cannot clobber a concurrent Mutate.
	writeMu sync.Mutex

	mu      sync.Mutex
	state   SyncState
	held    *remote.Record
	closed  bool
	nextSub int
	subs    map[int]chan SyncState

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a session. Call Close when done.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	empty := cfg.Default
	if empty == nil {
		empty = json.RawMessage(`{}`)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		ref:    cfg.Ref,
		cache:  cfg.Cache,
		remote: cfg.Remote,
		logger: logger.With(slog.String("entity", cfg.Ref.String())),
		empty:  empty,
		now:    now,
		busy:   semaphore.NewWeighted(1),
		subs:   make(map[int]chan SyncState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Ref returns the entity this session syncs.
func (s *Session) Ref() tables.EntityRef {
	return s.ref
}

// State returns a copy of the current sync state.
func (s *Session) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Subscribe returns a channel receiving state changes and a cancel
// function. The channel holds only the latest state; intermediate states
// may be skipped by slow consumers.
func (s *Session) Subscribe() (<-chan SyncState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan SyncState, 1)

	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

// update applies fn to the state under the lock and notifies subscribers.
// It returns false, leaving state untouched, once the session is closed.
func (s *Session) update(fn func(st *SyncState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	fn(&s.state)

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- s.state:
		default:
		}
	}

	return true
}

// opContext derives a context for one remote round trip that is also
// cancelled when the session closes.
func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	return opCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Load returns the entity data. A fresh cache entry is returned as is.
// Otherwise the remote store is consulted: its row is adopted into the
// cache, or, when it has none, the default payload is cached. A stale
// cache entry with local edits newer than the remote row is kept and
// marked for push. If the remote store is unreachable, the stale entry or
// the default is returned and the failure is recorded in the state.
func (s *Session) Load(ctx context.Context) (json.RawMessage, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}

	entry, err := s.cache.Get(s.ref)
	if err != nil {
		return nil, err
	}

	if entry != nil {
		return entry.Data, nil
	}

	stale, err := s.cache.Peek(s.ref)
	if err != nil {
		return nil, err
	}

	if stale != nil {
		s.logger.Debug("cache entry stale, refreshing from remote",
			slog.Time("cached_at", stale.Time()),
		)
	}

	if !s.busy.TryAcquire(1) {
		if stale != nil {
			return stale.Data, nil
		}

		return s.empty, nil
	}
	defer s.busy.Release(1)

	s.pull(ctx, stale)

	current, err := s.cache.Peek(s.ref)
	if err != nil {
		return nil, err
	}

	if current != nil {
		return current.Data, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.cache.Set(s.ref, s.empty); err != nil {
		return nil, err
	}

	return s.empty, nil
}

// Mutate records a local edit. The cache write completes before Mutate
// returns; the push happens on a later tick.
func (s *Session) Mutate(data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("mutating %s: payload is not valid JSON", s.ref)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return errors.ErrClosed
	}

	if _, err := s.cache.Set(s.ref, data); err != nil {
		return err
	}

	s.update(func(st *SyncState) {
		st.dirty = true
		if st.Status != StatusSyncing {
			st.Status = StatusPending
			st.Err = nil
			st.Cause = CauseNone
		}
	})

	return nil
}

// CheckForUpdates runs the pull path. It is skipped when another operation
// for this entity is in flight. Failures are recorded in the state.
func (s *Session) CheckForUpdates(ctx context.Context) {
	if s.isClosed() {
		return
	}

	if !s.busy.TryAcquire(1) {
		s.logger.Debug("pull skipped, sync in progress")
		return
	}
	defer s.busy.Release(1)

	local, err := s.cache.Peek(s.ref)
	if err != nil {
		s.fail(CauseTransient, err)
		return
	}

	s.pull(ctx, local)
}

// pull fetches the remote row and reconciles it with local. The caller
// holds busy.
func (s *Session) pull(ctx context.Context, local *cache.Entry) {
	opCtx, done := s.opContext(ctx)
	rec, err := s.remote.Fetch(opCtx, s.ref)
	done()

	if s.isClosed() {
		return
	}

	if err != nil {
		s.logger.Warn("pull failed", slog.String("error", err.Error()))
		s.fail(CauseTransient, fmt.Errorf("%w: %w", errors.ErrRemoteFailed, err))

		return
	}

	if rec != nil && !json.Valid(rec.Data) {
		s.logger.Warn("remote payload invalid")
		s.fail(CauseDecode, errors.ErrDecode)

		return
	}

	unsaved := s.State().HasUnsavedChanges()

	in := resolve.PullInput{
		Unsaved: unsaved,
		Remote:  rec,
	}
	if local != nil {
		in.HasLocal = true
		in.LocalData = local.Data
		in.LocalTimestamp = local.Time()
	}

	decision := resolve.DecidePull(in)
	s.logger.Debug("pull", slog.String("decision", decision.String()))

	now := s.now()

	switch decision {
	case resolve.PullInSync:
		s.update(func(st *SyncState) {
			st.LastSynced = &now
			st.HasNewerRemoteVersion = false
			st.Err = nil
			st.Cause = CauseNone

			if !st.dirty {
				st.Status = StatusSynced
			} else {
				st.Status = StatusPending
			}
		})
		s.setHeld(nil)

	case resolve.PullAdopt:
		if !s.adopt(local, rec.Data) {
			// A local edit landed while the fetch was in flight.
			s.hold(rec)
			return
		}

		s.logger.Info("adopted remote version")
		s.update(func(st *SyncState) {
			st.LastSynced = &now
			st.HasNewerRemoteVersion = false
			st.Err = nil
			st.Cause = CauseNone
			st.dirty = false
			st.Status = StatusSynced
		})
		s.setHeld(nil)

	case resolve.PullHoldNewer:
		s.logger.Info("remote has newer version, holding for explicit load")
		s.hold(rec)

	case resolve.PullKeepLocal:
		if rec.UpdatedAt.IsZero() || local.Time().After(rec.UpdatedAt) {
			s.markPending()
		}

	case resolve.PullNoRemote:
		if local != nil && !resolve.IsEmpty(s.ref.Table, local.Data) {
			s.markPending()
		}
	}
}

// adopt writes remote data into the cache unless the entry changed since
// expected was read. It reports whether the write happened.
func (s *Session) adopt(expected *cache.Entry, data json.RawMessage) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.cache.Peek(s.ref)
	if err != nil {
		s.fail(CauseTransient, err)
		return false
	}

	if !sameEntry(expected, current) {
		return false
	}

	if _, err := s.cache.Set(s.ref, data); err != nil {
		s.fail(CauseTransient, err)
		return false
	}

	return true
}

func sameEntry(a, b *cache.Entry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return a.Timestamp == b.Timestamp && bytes.Equal(a.Data, b.Data)
}

func (s *Session) hold(rec *remote.Record) {
	s.setHeld(rec)
	s.update(func(st *SyncState) {
		st.HasNewerRemoteVersion = true
	})
}

func (s *Session) setHeld(rec *remote.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held = rec
}

func (s *Session) markPending() {
	s.update(func(st *SyncState) {
		st.dirty = true
		if st.Status != StatusSyncing && st.Status != StatusError {
			st.Status = StatusPending
		}
	})
}

func (s *Session) fail(cause Cause, err error) {
	s.update(func(st *SyncState) {
		st.Status = StatusError
		st.Cause = cause
		st.Err = err
	})
}

// SyncNow runs the push path: re-fetch remote, apply the data-loss guards,
// then write. Guard trips and transport failures leave the local data in
// place and are recorded in the state; the next tick retries.
func (s *Session) SyncNow(ctx context.Context) {
	if s.isClosed() {
		return
	}

	if !s.busy.TryAcquire(1) {
		s.logger.Debug("push skipped, sync in progress")
		return
	}
	defer s.busy.Release(1)

	local, err := s.cache.Peek(s.ref)
	if err != nil {
		s.fail(CauseTransient, err)
		return
	}

	if local == nil {
		return
	}

	s.update(func(st *SyncState) {
		st.Status = StatusSyncing
	})

	opCtx, done := s.opContext(ctx)
	defer done()

	rec, err := s.remote.Fetch(opCtx, s.ref)
	if s.isClosed() {
		return
	}

	if err != nil {
		s.logger.Warn("push freshness check failed", slog.String("error", err.Error()))
		s.fail(CauseTransient, fmt.Errorf("%w: %w", errors.ErrRemoteFailed, err))

		return
	}

	decision := resolve.DecidePush(resolve.PushInput{
		Table:          s.ref.Table,
		LocalData:      local.Data,
		LocalTimestamp: local.Time(),
		Remote:         rec,
	})
	s.logger.Debug("push", slog.String("decision", decision.String()))

	switch decision {
	case resolve.PushBlockEmpty:
		s.logger.Warn("push blocked, local is empty and remote has data")

		// The remote copy is offered for an explicit load, as for a newer remote.
		s.setHeld(rec)
		s.update(func(st *SyncState) {
			st.Status = StatusError
			st.Cause = CauseEmptyLocal
			st.Err = errors.ErrEmptyLocal
			st.HasNewerRemoteVersion = true
		})

		return

	case resolve.PushBlockStale:
		s.logger.Warn("push blocked, remote has newer changes",
			slog.Time("remote_updated_at", rec.UpdatedAt),
			slog.Time("local_timestamp", local.Time()),
		)
		s.setHeld(rec)
		s.update(func(st *SyncState) {
			st.Status = StatusError
			st.Cause = CauseRemoteNewer
			st.Err = errors.ErrRemoteNewer
			st.HasNewerRemoteVersion = true
		})

		return

	case resolve.PushWrite:
		if _, err := s.remote.Put(opCtx, s.ref, local.Data); err != nil {
			if s.isClosed() {
				return
			}

			s.logger.Warn("push failed", slog.String("error", err.Error()))
			s.fail(CauseTransient, fmt.Errorf("%w: %w", errors.ErrRemoteFailed, err))

			return
		}

		if s.isClosed() {
			return
		}

		s.logger.Info("pushed local changes")

	case resolve.PushNoop:
	}

	current, err := s.cache.Peek(s.ref)
	if err != nil {
		s.fail(CauseTransient, err)
		return
	}

	// Edits made during the push are still owed.
	stillDirty := !sameEntry(local, current)
	now := s.now()

	s.setHeld(nil)
	s.update(func(st *SyncState) {
		st.LastSynced = &now
		st.Err = nil
		st.Cause = CauseNone
		st.HasNewerRemoteVersion = false
		st.dirty = stillDirty

		if stillDirty {
			st.Status = StatusPending
		} else {
			st.Status = StatusSynced
		}
	})
}

// Tick pushes when there are unsaved changes and pulls otherwise.
func (s *Session) Tick(ctx context.Context) {
	if s.State().HasUnsavedChanges() {
		s.SyncNow(ctx)
		return
	}

	s.CheckForUpdates(ctx)
}

// AcceptRemote replaces local data with the held newer remote version.
// It is the explicit, user-approved load after HasNewerRemoteVersion.
func (s *Session) AcceptRemote() error {
	s.mu.Lock()
	held := s.held
	s.mu.Unlock()

	if held == nil {
		return errors.ErrNoHeldRemote
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.cache.Set(s.ref, held.Data); err != nil {
		return err
	}

	now := s.now()

	s.setHeld(nil)
	s.update(func(st *SyncState) {
		st.LastSynced = &now
		st.HasNewerRemoteVersion = false
		st.Err = nil
		st.Cause = CauseNone
		st.dirty = false
		st.Status = StatusSynced
	})

	s.logger.Info("accepted remote version")

	return nil
}

// PendingRemoteDiff describes how the held remote version differs from
// local data. It is empty when nothing is held.
func (s *Session) PendingRemoteDiff() string {
	s.mu.Lock()
	held := s.held
	s.mu.Unlock()

	if held == nil {
		return ""
	}

	local, err := s.cache.Peek(s.ref)
	if err != nil || local == nil {
		return resolve.Diff(s.empty, held.Data)
	}

	return resolve.Diff(local.Data, held.Data)
}

// Delete removes the entity from the remote store and then the cache. It
// waits for any in-flight operation.
func (s *Session) Delete(ctx context.Context) error {
	if err := s.busy.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.busy.Release(1)

	if err := s.remote.Delete(ctx, s.ref); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrRemoteFailed, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.cache.Remove(s.ref); err != nil {
		return err
	}

	s.setHeld(nil)
	s.update(func(st *SyncState) {
		*st = SyncState{Status: StatusIdle}
	})

	return nil
}

// Close stops the session. In-flight requests are cancelled and results
// that arrive afterwards are discarded. Subscriber channels are closed.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true

	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
