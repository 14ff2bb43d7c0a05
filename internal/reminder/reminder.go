// Package reminder runs the daily progress prompt. It only reads from the task source and
// never mutates it.
package reminder

import (
	"context"
	"log"
	"sync"
	"time"

	"lazycal/internal/domain"
	"lazycal/internal/schedule"
)

const DefaultInterval = time.Minute

// Source answers whether anything is scheduled on a day.
type Source interface {
	HasTasksOn(ctx context.Context, date time.Time) bool
}

// Func is called when the configured time arrives on a day with scheduled tasks.
type Func func(ctx context.Context, at time.Time)

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

type Options struct {
	Interval  time.Duration
	NewTicker func(time.Duration) Ticker
	Logger    *log.Logger
}

type Reminder struct {
	source Source
	notify Func
	opts   Options

	// configMu serializes Configure and Stop, so exactly one loop is ever installed.
	configMu sync.Mutex

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	fired      map[string]struct{}
	settings   domain.Settings
	configured bool
}

func New(source Source, notify Func, opts Options) *Reminder {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NewTicker == nil {
		opts.NewTicker = func(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }
	}
	return &Reminder{source: source, notify: notify, opts: opts, fired: map[string]struct{}{}}
}

// Configure replaces the running schedule with s. The previous loop has fully stopped by the
// time Configure returns, so it can never fire after a change.
func (r *Reminder) Configure(s domain.Settings) error {
	clock, err := schedule.ParseClock(s.ReminderTime)
	if err != nil {
		return err
	}
	r.configMu.Lock()
	defer r.configMu.Unlock()
	r.stop()
	r.mu.Lock()
	r.settings = s
	r.configured = true
	r.mu.Unlock()
	if !s.ReminderEnabled {
		r.logf("reminder: disabled")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := r.opts.NewTicker(r.opts.Interval)

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.run(ctx, clock, ticker, done)
	r.logf("reminder: scheduled daily at %s", clock)
	return nil
}

// Stop cancels the running loop, if any, and waits for it to exit.
func (r *Reminder) Stop() {
	r.configMu.Lock()
	defer r.configMu.Unlock()
	r.stop()
}

func (r *Reminder) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Current returns the settings last passed to Configure, and false if it was never called.
func (r *Reminder) Current() (domain.Settings, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings, r.configured
}

// Running reports whether a schedule is installed.
func (r *Reminder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Reminder) run(ctx context.Context, clock schedule.Clock, t Ticker, done chan struct{}) {
	defer close(done)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C():
			r.check(ctx, clock, now)
		}
	}
}

// check fires at most once per day for a given reminder time, and only when tasks are
// scheduled on that day.
func (r *Reminder) check(ctx context.Context, clock schedule.Clock, now time.Time) bool {
	if !clock.Matches(now) {
		return false
	}
	key := schedule.DateKey(now) + " " + clock.String()
	r.mu.Lock()
	_, seen := r.fired[key]
	r.mu.Unlock()
	if seen || !r.source.HasTasksOn(ctx, now) {
		return false
	}
	r.mu.Lock()
	r.fired[key] = struct{}{}
	r.mu.Unlock()
	r.notify(ctx, now)
	return true
}

func (r *Reminder) logf(format string, args ...any) {
	if r.opts.Logger != nil {
		r.opts.Logger.Printf(format, args...)
	}
}
