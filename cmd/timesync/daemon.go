package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/timesync/internal/cache"
	"github.com/alexjbarnes/timesync/internal/mirror"
	"github.com/alexjbarnes/timesync/internal/remote"
	"github.com/alexjbarnes/timesync/internal/resolve"
	"github.com/alexjbarnes/timesync/internal/session"
	"github.com/alexjbarnes/timesync/internal/tables"
	"golang.org/x/sync/errgroup"
)

// entity is a running session and the scheduler that drives it.
type entity struct {
	session   *session.Session
	scheduler *session.Scheduler
}

// daemon keeps every entity in the mirror in sync. It implements
// mirror.Handler so file edits reach the matching session.
type daemon struct {
	cache    *cache.Store
	remote   remote.Store
	mirror   *mirror.Mirror
	interval time.Duration
	logger   *slog.Logger

	// group and ctx are set by run; entities started later join the same
	// group.
	group *errgroup.Group
	ctx   context.Context

	mu       sync.Mutex
	entities map[string]*entity
}

func newDaemon(c *cache.Store, r remote.Store, m *mirror.Mirror, interval time.Duration, logger *slog.Logger) *daemon {
	return &daemon{
		cache:    c,
		remote:   r,
		mirror:   m,
		interval: interval,
		logger:   logger,
		entities: make(map[string]*entity),
	}
}

// run starts a session for every mirror file and cached entity, then
// watches the mirror until ctx is cancelled.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	d.group, d.ctx = g, gctx

	defer d.closeAll()

	files, err := d.mirror.Scan()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(files))

	for _, f := range files {
		seen[f.Ref.String()] = true
		d.seed(gctx, f)
	}

	for _, spec := range tables.All() {
		refs, err := d.cache.Refs(spec.Name)
		if err != nil {
			return err
		}

		for _, ref := range refs {
			if !seen[ref.String()] {
				d.ensure(ref)
				d.load(gctx, ref)
			}
		}
	}

	d.logger.Info("entities started", slog.Int("count", d.count()))

	w := mirror.NewWatcher(d.mirror, d, d.logger)
	g.Go(func() error {
		return ignoreCancel(w.Watch(gctx))
	})

	return g.Wait()
}

// seed reconciles a mirror file found at startup with the cache. A file
// edited after the cached version, or one the cache has never seen, is a
// local edit.
func (d *daemon) seed(ctx context.Context, f mirror.Entity) {
	ent := d.ensure(f.Ref)

	cached, err := d.cache.Peek(f.Ref)
	if err != nil {
		d.logger.Warn("reading cache", slog.String("entity", f.Ref.String()), slog.String("error", err.Error()))
		return
	}

	if cached == nil || (!resolve.Equal(cached.Data, f.Data) && f.ModTime.After(cached.Time())) {
		if err := ent.session.Mutate(f.Data); err != nil {
			d.logger.Warn("recording offline edit", slog.String("path", f.Path), slog.String("error", err.Error()))
		}
	}

	d.load(ctx, f.Ref)
}

// load warms the cache for ref and writes the result to its file.
func (d *daemon) load(ctx context.Context, ref tables.EntityRef) {
	ent := d.lookup(ref)
	if ent == nil {
		return
	}

	data, err := ent.session.Load(ctx)
	if err != nil {
		d.logger.Warn("loading entity", slog.String("entity", ref.String()), slog.String("error", err.Error()))
		return
	}

	if _, err := d.mirror.Write(ref, data); err != nil {
		d.logger.Warn("writing entity file", slog.String("entity", ref.String()), slog.String("error", err.Error()))
	}
}

// ensure returns the running entity for ref, starting it if needed.
func (d *daemon) ensure(ref tables.EntityRef) *entity {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ent, ok := d.entities[ref.String()]; ok {
		return ent
	}

	logger := d.logger.With(slog.String("entity", ref.String()))

	s := session.New(session.Config{
		Ref:    ref,
		Cache:  d.cache,
		Remote: d.remote,
		Logger: d.logger,
	})
	sched := session.NewScheduler(s, d.interval, logger)

	ent := &entity{session: s, scheduler: sched}
	d.entities[ref.String()] = ent

	d.group.Go(func() error {
		return ignoreCancel(sched.Run(d.ctx))
	})
	d.group.Go(func() error {
		return ignoreCancel(d.mirror.Follow(d.ctx, d.cache, ref))
	})
	d.group.Go(func() error {
		d.report(d.ctx, s, logger)
		return nil
	})

	return ent
}

func (d *daemon) lookup(ref tables.EntityRef) *entity {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.entities[ref.String()]
}

func (d *daemon) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.entities)
}

// report logs status transitions until the session closes. Guard trips
// are logged with the held remote diff so an operator can decide.
func (d *daemon) report(ctx context.Context, s *session.Session, logger *slog.Logger) {
	ch, cancel := s.Subscribe()
	defer cancel()

	var last session.SyncState

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}

			if st.Status == last.Status && st.Cause == last.Cause && st.HasNewerRemoteVersion == last.HasNewerRemoteVersion {
				continue
			}

			last = st

			switch {
			case st.Status == session.StatusError && st.Cause == session.CauseRemoteNewer:
				logger.Warn("push blocked, remote has newer changes",
					slog.String("diff", s.PendingRemoteDiff()),
				)
			case st.Status == session.StatusError && st.Cause == session.CauseEmptyLocal:
				logger.Warn("push blocked, local is empty and remote has data",
					slog.String("diff", s.PendingRemoteDiff()),
				)
			case st.Status == session.StatusError:
				logger.Warn("sync failed",
					slog.String("cause", st.Cause.String()),
					slog.Any("error", st.Err),
				)
			case st.HasNewerRemoteVersion:
				logger.Info("newer remote version held until local edits are saved or discarded")
			case st.Status == session.StatusSynced:
				logger.Debug("synced")
			}
		}
	}
}

// Edited implements mirror.Handler.
func (d *daemon) Edited(_ context.Context, e mirror.Entity) {
	ent := d.ensure(e.Ref)

	if err := ent.session.Mutate(e.Data); err != nil {
		d.logger.Warn("recording edit", slog.String("path", e.Path), slog.String("error", err.Error()))
		return
	}

	ent.scheduler.Touch()

	d.logger.Debug("edit recorded", slog.String("entity", e.Ref.String()), slog.String("path", e.Path))
}

// Removed implements mirror.Handler. Removing a file never deletes data:
// the cache entry and remote row stay and the file is rewritten on the
// next change.
func (d *daemon) Removed(_ context.Context, relPath string) {
	d.logger.Info("entity file removed, cached and remote copies kept", slog.String("path", relPath))
}

func (d *daemon) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ent := range d.entities {
		ent.session.Close()
	}
}

func ignoreCancel(err error) error {
	if stderrors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
