package session

import (
	"context"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextInterval(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	base := 30 * time.Second

	tests := []struct {
		name      string
		base      time.Duration
		idle      time.Duration
		visible   bool
		rnd       float64
		want      time.Duration
		wantSleep bool
	}{
		{name: "active and visible", base: base, idle: 10 * time.Second, visible: true, rnd: 0.5, want: base},
		{name: "hidden", base: base, idle: 10 * time.Second, visible: false, rnd: 0.5, want: 10 * base},
		{name: "idle past medium threshold", base: base, idle: 3 * time.Minute, visible: true, rnd: 0.5, want: 4 * base},
		{name: "hidden takes precedence over idle", base: base, idle: 3 * time.Minute, visible: false, rnd: 0.5, want: 10 * base},
		{name: "exactly medium threshold is not idle", base: base, idle: 2 * time.Minute, visible: true, rnd: 0.5, want: base},
		{name: "idle past long sleep", base: base, idle: 31 * time.Minute, visible: true, rnd: 0.5, wantSleep: true},
		{name: "long sleep wins over hidden", base: base, idle: 31 * time.Minute, visible: false, rnd: 0.5, wantSleep: true},
		{name: "lowest jitter", base: base, idle: 0, visible: true, rnd: 0, want: 27 * time.Second},
		{name: "highest jitter", base: base, idle: 0, visible: true, rnd: 1, want: 33 * time.Second},
		{name: "floored to minimum", base: 200 * time.Millisecond, idle: 0, visible: true, rnd: 0.5, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, sleep := NextInterval(tt.base, tt.idle, tt.visible, cfg, tt.rnd)
			assert.Equal(t, tt.wantSleep, sleep)

			if !tt.wantSleep {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNextInterval_JitterStaysWithinTenPercent(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	base := 30 * time.Second

	for i := 0; i < 100; i++ {
		d, _ := NextInterval(base, 0, true, cfg, float64(i)/100)
		assert.GreaterOrEqual(t, d, 27*time.Second)
		assert.LessOrEqual(t, d, 33*time.Second)
	}
}

type countingTicker struct {
	n atomic.Int32
}

func (c *countingTicker) Tick(context.Context) { c.n.Add(1) }

func noJitter() float64 { return 0.5 }

func TestScheduler_TicksAtBaseInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		target := &countingTicker{}
		s := NewScheduler(target, 10*time.Second, nil, WithRand(noJitter))

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		go s.Run(ctx)

		time.Sleep(35 * time.Second)
		synctest.Wait()

		assert.Equal(t, int32(3), target.n.Load())
	})
}

func TestScheduler_SleepsAfterLongIdleAndTouchResumes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		target := &countingTicker{}
		s := NewScheduler(target, 10*time.Minute, nil, WithRand(noJitter))

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		go s.Run(ctx)

		// Tick at 10m; idle 10m > 2m so the next is 40m later, at 50m,
		// after which idle exceeds 30m and the loop sleeps.
		time.Sleep(5 * time.Hour)
		synctest.Wait()
		assert.Equal(t, int32(2), target.n.Load())

		s.Touch()
		time.Sleep(time.Millisecond)
		synctest.Wait()
		assert.Equal(t, int32(3), target.n.Load(), "touch should tick immediately")

		time.Sleep(10*time.Minute + time.Second)
		synctest.Wait()
		assert.Equal(t, int32(4), target.n.Load())
	})
}

func TestScheduler_TouchAfterIdleRestoresBaseCadence(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		target := &countingTicker{}
		s := NewScheduler(target, time.Minute, nil, WithRand(noJitter))

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		go s.Run(ctx)

		// Ticks at 1m, 2m and 3m; idle is then past 2m so the next is
		// armed four minutes out, at 7m.
		time.Sleep(3*time.Minute + 30*time.Second)
		synctest.Wait()
		assert.Equal(t, int32(3), target.n.Load())

		s.Touch()
		synctest.Wait()

		time.Sleep(time.Minute + time.Second)
		synctest.Wait()
		assert.Equal(t, int32(4), target.n.Load(), "activity should re-arm at the base interval")
	})
}

func TestScheduler_TouchThrottled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := NewScheduler(&countingTicker{}, time.Minute, nil)

		s.Touch()
		first := s.lastInteraction

		time.Sleep(500 * time.Millisecond)
		s.Touch()
		assert.Equal(t, first, s.lastInteraction)

		time.Sleep(600 * time.Millisecond)
		s.Touch()
		assert.True(t, s.lastInteraction.After(first))
	})
}

func TestScheduler_HiddenStretchesInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		target := &countingTicker{}
		s := NewScheduler(target, 10*time.Second, nil, WithRand(noJitter))

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		go s.Run(ctx)

		s.SetVisible(false)
		synctest.Wait()

		time.Sleep(99 * time.Second)
		synctest.Wait()
		assert.Equal(t, int32(0), target.n.Load())

		time.Sleep(2 * time.Second)
		synctest.Wait()
		assert.Equal(t, int32(1), target.n.Load())
	})
}

func TestScheduler_SetBaseIntervalRearmsWithoutDuplicateLoops(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		target := &countingTicker{}
		s := NewScheduler(target, time.Minute, nil, WithRand(noJitter))

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		go s.Run(ctx)

		s.SetBaseInterval(5 * time.Second)
		s.SetBaseInterval(5 * time.Second)
		synctest.Wait()

		time.Sleep(21 * time.Second)
		synctest.Wait()
		assert.Equal(t, int32(4), target.n.Load())
	})
}

func TestScheduler_RunReturnsOnCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := NewScheduler(&countingTicker{}, time.Second, nil)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)

		go func() { errCh <- s.Run(ctx) }()

		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
	})
}
