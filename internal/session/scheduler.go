package session

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Ticker is the unit of work a Scheduler drives. *Session satisfies it.
type Ticker interface {
	Tick(ctx context.Context)
}

// SchedulerConfig holds the adaptive cadence parameters.
type SchedulerConfig struct {
	// LongSleep is the idle time after which scheduling stops until the
	// next interaction.
	LongSleep time.Duration

	// MediumIdle is the idle time after which the interval is multiplied
	// by IdleFactor.
	MediumIdle time.Duration

	HiddenFactor int
	IdleFactor   int

	// Jitter is the symmetric random spread applied to each interval, as
	// a fraction of it.
	Jitter float64

	// MinInterval floors every computed interval.
	MinInterval time.Duration

	// TouchThrottle is the minimum spacing between recorded interactions.
	TouchThrottle time.Duration
}

// DefaultSchedulerConfig returns the standard cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		LongSleep:     30 * time.Minute,
		MediumIdle:    2 * time.Minute,
		HiddenFactor:  10,
		IdleFactor:    4,
		Jitter:        0.1,
		MinInterval:   time.Second,
		TouchThrottle: time.Second,
	}
}

// NextInterval computes the delay before the next tick from the base
// interval, the time since the last interaction and visibility. rnd is a
// uniform sample in [0, 1) driving jitter. sleep is true when scheduling
// should stop until the next interaction.
func NextInterval(base, idle time.Duration, visible bool, cfg SchedulerConfig, rnd float64) (d time.Duration, sleep bool) {
	if idle > cfg.LongSleep {
		return 0, true
	}

	d = base

	switch {
	case !visible:
		d *= time.Duration(cfg.HiddenFactor)
	case idle > cfg.MediumIdle:
		d *= time.Duration(cfg.IdleFactor)
	}

	d = time.Duration(float64(d) * (1 + cfg.Jitter*(2*rnd-1)))

	if d < cfg.MinInterval {
		d = cfg.MinInterval
	}

	return d, false
}

// Scheduler drives a Ticker on an adaptive cadence using a single timer
// that is re-armed after every tick.
type Scheduler struct {
	target Ticker
	cfg    SchedulerConfig
	logger *slog.Logger
	rand   func() float64

	mu              sync.Mutex
	base            time.Duration
	visible         bool
	sleeping        bool
	lastInteraction time.Time
	lastTouch       time.Time

	// wake asks the Run loop to recompute its timer. Buffered so signals
	// coalesce.
	wake chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerConfig overrides the cadence parameters.
func WithSchedulerConfig(cfg SchedulerConfig) SchedulerOption {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithRand overrides the jitter source, for tests.
func WithRand(fn func() float64) SchedulerOption {
	return func(s *Scheduler) { s.rand = fn }
}

// NewScheduler creates a visible scheduler whose last interaction is now.
func NewScheduler(target Ticker, base time.Duration, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		target:          target,
		cfg:             DefaultSchedulerConfig(),
		logger:          logger,
		rand:            rand.Float64,
		base:            base,
		visible:         true,
		lastInteraction: time.Now(),
		wake:            make(chan struct{}, 1),
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// next computes the next interval and records whether the loop sleeps.
func (s *Scheduler) next() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, sleep := NextInterval(s.base, time.Since(s.lastInteraction), s.visible, s.cfg, s.rand())
	s.sleeping = sleep

	return d, sleep
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run ticks the target until ctx is cancelled. It returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	timer.Stop()

	defer timer.Stop()

	arm := func() {
		d, sleep := s.next()
		if sleep {
			timer.Stop()
			s.logger.Debug("sync scheduler sleeping until next interaction")

			return
		}

		timer.Reset(d)
	}

	arm()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			s.target.Tick(ctx)
			arm()

		case <-s.wake:
			s.mu.Lock()
			wasSleeping := s.sleeping
			s.mu.Unlock()

			d, sleep := s.next()

			switch {
			case sleep:
				timer.Stop()
			case wasSleeping:
				s.logger.Debug("sync scheduler resumed")
				timer.Reset(0)
			default:
				timer.Reset(d)
			}
		}
	}
}

// Touch records a user interaction. Calls closer together than the
// throttle are ignored. A sleeping scheduler resumes immediately; one
// running at the idle cadence re-arms at the active one.
func (s *Scheduler) Touch() {
	s.mu.Lock()

	now := time.Now()
	if !s.lastTouch.IsZero() && now.Sub(s.lastTouch) < s.cfg.TouchThrottle {
		s.mu.Unlock()
		return
	}

	wasIdle := now.Sub(s.lastInteraction) > s.cfg.MediumIdle
	s.lastTouch = now
	s.lastInteraction = now
	sleeping := s.sleeping
	s.mu.Unlock()

	if sleeping || wasIdle {
		s.signal()
	}
}

// SetVisible records whether the surface is visible and re-arms the timer
// with the recomputed interval.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	changed := s.visible != visible
	s.visible = visible
	s.mu.Unlock()

	if changed {
		s.signal()
	}
}

// SetBaseInterval changes the base interval and re-arms the timer.
func (s *Scheduler) SetBaseInterval(d time.Duration) {
	s.mu.Lock()
	changed := s.base != d
	s.base = d
	s.mu.Unlock()

	if changed {
		s.signal()
	}
}
