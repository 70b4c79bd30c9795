package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "nrtool/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, start time.Time, opts ...Option) (*Scheduler, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: start}
	opts = append([]Option{WithClock(clk)}, opts...)
	s, err := New(Config{Timezone: "UTC"}, logx.Nop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, clk
}

func TestAddDaily_FiresOncePerDay(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 6, 59, 0, 0, time.UTC)
	s, clk := newTestScheduler(t, start)

	runs := 0
	if err := s.AddDaily("task:1", "07:00", func(context.Context) error { runs++; return nil }); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}

	if n := s.RunPending(context.Background()); n != 0 || runs != 0 {
		t.Fatalf("ran before trigger: n=%d runs=%d", n, runs)
	}

	clk.Set(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC))
	if n := s.RunPending(context.Background()); n != 1 || runs != 1 {
		t.Fatalf("expected one run at trigger, n=%d runs=%d", n, runs)
	}

	clk.Advance(time.Second)
	if n := s.RunPending(context.Background()); n != 0 {
		t.Fatalf("ran twice on the same day")
	}

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len=%d", len(snap))
	}
	want := time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC)
	if !snap[0].Next.Equal(want) {
		t.Fatalf("next=%s want=%s", snap[0].Next, want)
	}
	if snap[0].Runs != 1 || snap[0].Kind != KindCron {
		t.Fatalf("unexpected info: %+v", snap[0])
	}
}

func TestAddDaily_Timezone(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	s, err := New(Config{Timezone: "Asia/Shanghai"}, logx.Nop(), WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.AddDaily("d", "07:00:30", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
	// 07:00:30 +08:00 is 23:00:30 UTC on the previous day.
	want := time.Date(2024, 3, 1, 23, 0, 30, 0, time.UTC)
	if got := s.Snapshot()[0].Next; !got.Equal(want) {
		t.Fatalf("next=%s want=%s", got.UTC(), want)
	}
}

func TestAddDaily_RejectsBadTime(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, time.Now())
	for _, at := range []string{"", "7", "24:00", "07:60", "07:00:99", "aa:bb"} {
		if err := s.AddDaily("x", at, func(context.Context) error { return nil }); err == nil {
			t.Fatalf("expected error for %q", at)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("bad entries were registered")
	}
}

func TestAddOnce_RunsOnceAndRemoves(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	s, clk := newTestScheduler(t, start)

	runs := 0
	if err := s.AddOnce("once", 30*time.Second, func(context.Context) error { runs++; return nil }); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	clk.Advance(29 * time.Second)
	s.RunPending(context.Background())
	if runs != 0 {
		t.Fatalf("ran early")
	}
	clk.Advance(time.Second)
	s.RunPending(context.Background())
	if runs != 1 {
		t.Fatalf("runs=%d", runs)
	}
	if s.Len() != 0 {
		t.Fatalf("one-shot job still scheduled")
	}
	clk.Advance(time.Hour)
	s.RunPending(context.Background())
	if runs != 1 {
		t.Fatalf("one-shot job ran again")
	}
}

func TestErrCancel_Unschedules(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 6, 59, 59, 0, time.UTC)
	s, clk := newTestScheduler(t, start)

	var got []RunEvent
	s.onRun = func(ev RunEvent) { got = append(got, ev) }

	_ = s.AddDaily("self", "07:00", func(context.Context) error { return ErrCancel })
	clk.Advance(time.Second)
	s.RunPending(context.Background())
	if s.Len() != 0 {
		t.Fatalf("cancelled job still scheduled")
	}
	if len(got) != 1 || got[0].Err != nil {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestFailuresAreContained(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(t, start)

	var events []RunEvent
	s.onRun = func(ev RunEvent) { events = append(events, ev) }

	okRuns := 0
	_ = s.AddOnce("a-panics", 0, func(context.Context) error { panic("boom") })
	_ = s.AddOnce("b-fails", 0, func(context.Context) error { return errors.New("nope") })
	_ = s.AddOnce("c-ok", 0, func(context.Context) error { okRuns++; return nil })

	if n := s.RunPending(context.Background()); n != 3 {
		t.Fatalf("ran %d jobs, want 3", n)
	}
	if okRuns != 1 {
		t.Fatalf("healthy job did not run")
	}
	if len(events) != 3 {
		t.Fatalf("events=%d", len(events))
	}
	if !events[0].Panicked || events[0].Err == nil {
		t.Fatalf("panic not reported: %+v", events[0])
	}
	if events[1].Err == nil || events[1].Panicked {
		t.Fatalf("failure not reported: %+v", events[1])
	}
	if events[2].Err != nil {
		t.Fatalf("ok job reported error: %+v", events[2])
	}
}

func TestRecurringJobSurvivesError(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	s, clk := newTestScheduler(t, start.Add(-time.Second))
	_ = s.AddDaily("r", "07:00", func(context.Context) error { return errors.New("fail") })
	clk.Set(start)
	s.RunPending(context.Background())
	if s.Len() != 1 {
		t.Fatalf("recurring job dropped after error")
	}
}

func TestRunPending_EarliestFirst(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	s, clk := newTestScheduler(t, start)

	var order []string
	rec := func(name string) Job {
		return func(context.Context) error { order = append(order, name); return nil }
	}
	_ = s.AddOnce("late", 3*time.Second, rec("late"))
	_ = s.AddOnce("early", 1*time.Second, rec("early"))
	_ = s.AddOnce("mid", 2*time.Second, rec("mid"))

	clk.Advance(5 * time.Second)
	s.RunPending(context.Background())
	if len(order) != 3 || order[0] != "early" || order[1] != "mid" || order[2] != "late" {
		t.Fatalf("order=%v", order)
	}
}

func TestUpsertAndRemove(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(t, start)

	_ = s.AddDaily("task:1", "07:00", func(context.Context) error { return nil })
	_ = s.AddDaily("task:1", "08:00", func(context.Context) error { return nil })
	_ = s.AddDaily("task:2", "09:00", func(context.Context) error { return nil })

	if s.Len() != 2 {
		t.Fatalf("len=%d", s.Len())
	}
	snap := s.Snapshot()
	if snap[0].Name != "task:1" || snap[0].Next.Hour() != 8 {
		t.Fatalf("upsert did not replace: %+v", snap[0])
	}
	if !s.Remove("task:1") || s.Remove("task:1") {
		t.Fatalf("remove semantics broken")
	}
	if names := s.Names(); len(names) != 1 || names[0] != "task:2" {
		t.Fatalf("names=%v", names)
	}
}

func TestReplaceWhileRunningKeepsNewEntry(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(t, start)

	var replaced bool
	_ = s.AddOnce("j", 0, func(context.Context) error {
		replaced = true
		return s.AddDaily("j", "08:00", func(context.Context) error { return nil })
	})
	s.RunPending(context.Background())
	if !replaced || s.Len() != 1 {
		t.Fatalf("replacement lost: len=%d", s.Len())
	}
	if s.Snapshot()[0].Kind != KindCron {
		t.Fatalf("old one-shot entry survived")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Tick: 5 * time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ran := make(chan struct{}, 1)
	_ = s.AddOnce("now", 0, func(context.Context) error {
		ran <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestNew_BadTimezone(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Timezone: "Mars/Base"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunPending_SkipsEntryRemovedByEarlierJob(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(t, start)

	var secondRan bool
	_ = s.AddOnce("a", 0, func(context.Context) error {
		s.Remove("b")
		return nil
	})
	_ = s.AddOnce("b", 0, func(context.Context) error {
		secondRan = true
		return nil
	})

	if n := s.RunPending(context.Background()); n != 1 {
		t.Fatalf("ran %d jobs, want 1", n)
	}
	if secondRan || s.Len() != 0 {
		t.Fatalf("removed job ran=%v len=%d", secondRan, s.Len())
	}
}
