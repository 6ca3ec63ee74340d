package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// Debouncer is a single-slot delayed task. Every Trigger re-arms the timer
// for the full delay, so a burst of triggers fires fn once, delay after
// the last one.
type Debouncer struct {
	clock clockz.Clock
	delay time.Duration
	fn    func(context.Context)
	// rearm wakes Run when the armed timer is replaced.
	rearm chan struct{}

	mu      sync.Mutex
	timer   clockz.Timer
	pending bool

	fired atomic.Uint64
}

// NewDebouncer returns a disarmed debouncer. fn runs on the Run goroutine.
func NewDebouncer(clock clockz.Clock, delay time.Duration, fn func(context.Context)) *Debouncer {
	return &Debouncer{clock: clock, delay: delay, fn: fn, rearm: make(chan struct{}, 1)}
}

// Trigger arms the timer, or replaces an armed one with a fresh full
// delay. A new timer is created each time; a stopped or fired timer is
// never reused.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.NewTimer(d.delay)
	d.pending = true
	d.mu.Unlock()
	d.wake()
}

// Cancel disarms the timer without firing.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
	d.mu.Unlock()
	d.wake()
}

func (d *Debouncer) wake() {
	select {
	case d.rearm <- struct{}{}:
	default:
	}
}

// Pending reports whether the timer is armed.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Fired returns how many times fn has run.
func (d *Debouncer) Fired() uint64 { return d.fired.Load() }

// current returns the armed timer's channel, or nil when disarmed.
func (d *Debouncer) current() <-chan time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		return nil
	}
	return d.timer.C()
}

// Run waits for the timer and calls fn until ctx is done.
func (d *Debouncer) Run(ctx context.Context) {
	for {
		c := d.current()
		select {
		case <-ctx.Done():
			d.Cancel()
			return
		case <-d.rearm:
		case <-c:
			d.mu.Lock()
			// A tick from a timer replaced after it fired is stale.
			run := d.pending && d.timer != nil && d.timer.C() == c
			if run {
				d.timer = nil
				d.pending = false
			}
			d.mu.Unlock()
			if run {
				d.fired.Add(1)
				d.fn(ctx)
			}
		}
	}
}

// Scheduler coalesces reapply requests into debounced passes over the
// current state.
type Scheduler struct {
	engine *Engine
	deb    *Debouncer
}

// NewScheduler creates a scheduler and registers it with the engine so
// plugin handles can reach it.
func NewScheduler(engine *Engine, delay time.Duration) *Scheduler {
	s := &Scheduler{engine: engine}
	s.deb = NewDebouncer(engine.clock, delay, s.run)
	engine.SetScheduler(s)
	return s
}

// ScheduleReapply requests a pass after the debounce delay.
func (s *Scheduler) ScheduleReapply() { s.deb.Trigger() }

// Pending reports whether a pass is scheduled.
func (s *Scheduler) Pending() bool { return s.deb.Pending() }

// Run drives scheduled passes until ctx is done.
func (s *Scheduler) Run(ctx context.Context) { s.deb.Run(ctx) }

func (s *Scheduler) run(ctx context.Context) {
	res, err := s.engine.Reapply(ctx, nil, false)
	if err != nil {
		slog.Error("scheduled reapply failed", "err", err)
		return
	}
	if len(res.Errors) > 0 {
		slog.Warn("scheduled reapply finished with errors", "errors", len(res.Errors))
	}
}
