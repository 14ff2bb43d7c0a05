package reminder

import (
	"context"
	"sync"
	"testing"
	"time"

	"lazycal/internal/domain"
	"lazycal/internal/schedule"
)

type fakeSource struct {
	mu   sync.Mutex
	busy bool
}

func (f *fakeSource) HasTasksOn(context.Context, time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

type fakeTicker struct {
	ch      chan time.Time
	stopped chan struct{}
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { close(f.stopped) }

type harness struct {
	reminder *Reminder
	source   *fakeSource
	tickers  chan *fakeTicker
	fires    chan time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source:  &fakeSource{busy: true},
		tickers: make(chan *fakeTicker, 64),
		fires:   make(chan time.Time, 4),
	}
	h.reminder = New(h.source, func(_ context.Context, at time.Time) { h.fires <- at }, Options{
		NewTicker: func(time.Duration) Ticker {
			ft := &fakeTicker{ch: make(chan time.Time, 4), stopped: make(chan struct{})}
			h.tickers <- ft
			return ft
		},
	})
	t.Cleanup(h.reminder.Stop)
	return h
}

func (h *harness) ticker(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case ft := <-h.tickers:
		return ft
	case <-time.After(time.Second):
		t.Fatalf("no ticker created")
	}
	return nil
}

func (h *harness) expectFire(t *testing.T, want time.Time) {
	t.Helper()
	select {
	case at := <-h.fires:
		if !at.Equal(want) {
			t.Fatalf("fired at %s, want %s", at, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("reminder did not fire")
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 4, hour, minute, 30, 0, time.UTC)
}

func TestFiresAtConfiguredMinute(t *testing.T) {
	h := newHarness(t)
	if err := h.reminder.Configure(domain.Settings{ReminderTime: "17:00", ReminderEnabled: true}); err != nil {
		t.Fatal(err)
	}
	ft := h.ticker(t)
	ft.ch <- at(16, 59)
	ft.ch <- at(17, 0)
	h.expectFire(t, at(17, 0))
}

func TestReplacingScheduleStopsOldLoop(t *testing.T) {
	h := newHarness(t)
	if err := h.reminder.Configure(domain.Settings{ReminderTime: "17:00", ReminderEnabled: true}); err != nil {
		t.Fatal(err)
	}
	old := h.ticker(t)
	if err := h.reminder.Configure(domain.Settings{ReminderTime: "18:00", ReminderEnabled: true}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-old.stopped:
	default:
		t.Fatalf("old ticker still running after Configure returned")
	}
	cur := h.ticker(t)
	old.ch <- at(17, 0)
	cur.ch <- at(17, 0)
	cur.ch <- at(18, 0)
	h.expectFire(t, at(18, 0))
	h.reminder.Stop()
	if len(h.fires) != 0 {
		t.Fatalf("unexpected extra firing")
	}
}

func TestDisableStops(t *testing.T) {
	h := newHarness(t)
	h.reminder.Configure(domain.Settings{ReminderTime: "17:00", ReminderEnabled: true})
	ft := h.ticker(t)
	if err := h.reminder.Configure(domain.Settings{ReminderTime: "17:00"}); err != nil {
		t.Fatal(err)
	}
	if h.reminder.Running() {
		t.Fatalf("expected no schedule when disabled")
	}
	select {
	case <-ft.stopped:
	default:
		t.Fatalf("ticker not stopped")
	}
}

func TestConfigureRejectsBadTime(t *testing.T) {
	h := newHarness(t)
	if err := h.reminder.Configure(domain.Settings{ReminderTime: "5pm", ReminderEnabled: true}); err == nil {
		t.Fatalf("expected error")
	}
	if h.reminder.Running() {
		t.Fatalf("bad time must not start a schedule")
	}
}

func TestCheckSuppression(t *testing.T) {
	h := newHarness(t)
	clock := schedule.Clock{Hour: 17}
	ctx := context.Background()

	h.source.busy = false
	if h.reminder.check(ctx, clock, at(17, 0)) {
		t.Fatalf("fired on a day with no tasks")
	}
	h.source.busy = true
	if h.reminder.check(ctx, clock, at(17, 1)) {
		t.Fatalf("fired outside the configured minute")
	}
	if !h.reminder.check(ctx, clock, at(17, 0)) {
		t.Fatalf("expected firing")
	}
	if h.reminder.check(ctx, clock, at(17, 0).Add(10*time.Second)) {
		t.Fatalf("fired twice in one day")
	}
	if !h.reminder.check(ctx, clock, at(17, 0).AddDate(0, 0, 1)) {
		t.Fatalf("expected firing on the next day")
	}
	if len(h.fires) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(h.fires))
	}
}

func TestConcurrentConfigureLeavesOneLoop(t *testing.T) {
	h := newHarness(t)
	var created []*fakeTicker
	for round := 0; round < 10; round++ {
		var wg sync.WaitGroup
		for _, clock := range []string{"17:00", "18:00"} {
			wg.Add(1)
			go func(clock string) {
				defer wg.Done()
				if err := h.reminder.Configure(domain.Settings{ReminderTime: clock, ReminderEnabled: true}); err != nil {
					t.Error(err)
				}
			}(clock)
		}
		wg.Wait()
		created = append(created, h.ticker(t), h.ticker(t))
		if !h.reminder.Running() {
			t.Fatalf("round %d: no schedule installed", round)
		}
		h.reminder.Stop()
		for i, ft := range created {
			select {
			case <-ft.stopped:
			default:
				t.Fatalf("round %d: ticker %d still running after Stop", round, i)
			}
		}
	}
}

func TestCurrentReportsLastSettings(t *testing.T) {
	h := newHarness(t)
	if _, ok := h.reminder.Current(); ok {
		t.Fatalf("expected no settings before Configure")
	}
	want := domain.Settings{ReminderTime: "07:30"}
	if err := h.reminder.Configure(want); err != nil {
		t.Fatal(err)
	}
	if got, ok := h.reminder.Current(); !ok || got != want {
		t.Fatalf("expected %+v, got %+v %v", want, got, ok)
	}
}
