package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"nrtool/internal/config"
	logx "nrtool/pkg/logx"
)

type Scheduler struct {
	mu sync.Mutex
	// runMu serializes RunPending so jobs never overlap, even when it is
	// called from outside Run.
	runMu sync.Mutex

	log    logx.Logger
	clock  Clock
	loc    *time.Location
	tz     string
	tick   time.Duration
	parser cron.Parser

	entries map[string]*entry

	onRun func(RunEvent)
}

type Option func(*Scheduler)

// WithClock injects the time source.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRunHook installs a callback invoked after every job run (metrics, events).
func WithRunHook(fn func(RunEvent)) Option {
	return func(s *Scheduler) { s.onRun = fn }
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:   log,
		clock: SystemClock(),
		loc:   time.Local,
		tick:  cfg.Tick,
		// Seconds are included so HH:MM:SS triggers are expressible.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
	}
	if s.tick <= 0 {
		s.tick = time.Second
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone: invalid %q: %w", tz, err)
		}
		s.loc = loc
		s.tz = tz
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Location returns the time zone used for triggers.
func (s *Scheduler) Location() *time.Location { return s.loc }

// AddDaily registers a job that runs every day at HH:MM or HH:MM:SS in the
// scheduler time zone. A job with the same name is replaced.
func (s *Scheduler) AddDaily(name, at string, job Job) error {
	h, m, sec, err := config.ParseClock(at)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d %d * * *", sec, m, h), job)
}

// AddCron registers a recurring job on a cron spec. A job with the same name is replaced.
func (s *Scheduler) AddCron(name, spec string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	full := spec
	if s.tz != "" && !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		full = "CRON_TZ=" + s.tz + " " + spec
	}
	sched, err := s.parser.Parse(full)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{name: name, kind: KindCron, spec: spec, sched: sched, job: job}
	e.next = sched.Next(s.clock.Now())
	s.entries[name] = e
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Time("next", e.next))
	return nil
}

// AddOnce registers a job that runs once, delay from now, and is then removed.
// A job with the same name is replaced.
func (s *Scheduler) AddOnce(name string, delay time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{name: name, kind: KindOnce, spec: "@in " + delay.String(), job: job}
	e.next = s.clock.Now().Add(delay)
	s.entries[name] = e
	s.log.Debug("one-shot registered", logx.String("name", name), logx.Duration("delay", delay), logx.Time("at", e.next))
	return nil
}

// Remove unschedules the named job. It returns true if something was removed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return false
	}
	delete(s.entries, name)
	s.log.Debug("schedule removed", logx.String("name", name))
	return true
}

// Names returns the registered job names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns the scheduled jobs ordered by next run.
func (s *Scheduler) Snapshot() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Info{Name: e.name, Kind: e.kind, Spec: e.spec, Next: e.next, Prev: e.prev, Runs: e.runs})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RunPending runs every job that is due, earliest first, one at a time.
// It returns the number of jobs run.
func (s *Scheduler) RunPending(ctx context.Context) int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	now := s.clock.Now()

	s.mu.Lock()
	due := make([]*entry, 0, 4)
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool {
		if !due[i].next.Equal(due[j].next) {
			return due[i].next.Before(due[j].next)
		}
		return due[i].name < due[j].name
	})

	ran := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		// An earlier job in this batch may have removed or replaced it.
		s.mu.Lock()
		cur, ok := s.entries[e.name]
		s.mu.Unlock()
		if !ok || cur != e {
			continue
		}
		s.runOne(ctx, e)
		ran++
	}
	return ran
}

func (s *Scheduler) runOne(ctx context.Context, e *entry) {
	started := s.clock.Now()
	ev := RunEvent{Name: e.name, Kind: e.kind, Started: started}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				ev.Panicked = true
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panicked", logx.String("name", e.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return e.job(ctx)
	}()
	finished := s.clock.Now()
	ev.Duration = finished.Sub(started)

	cancel := errors.Is(err, ErrCancel)
	switch {
	case cancel:
		s.log.Debug("job cancelled itself", logx.String("name", e.name))
	case err != nil && !ev.Panicked:
		s.log.Error("job failed", logx.String("name", e.name), logx.Err(err), logx.Duration("took", ev.Duration))
		ev.Err = err
	case err != nil:
		ev.Err = err
	}

	s.mu.Lock()
	e.runs++
	e.prev = started
	// The job may have been replaced or removed while it ran; only touch our own entry.
	if cur, ok := s.entries[e.name]; ok && cur == e {
		if e.kind == KindOnce || cancel {
			delete(s.entries, e.name)
		} else {
			e.next = e.sched.Next(finished)
		}
	}
	s.mu.Unlock()

	if s.onRun != nil {
		s.onRun(ev)
	}
}

// Run calls RunPending once per tick until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler loop started", logx.String("tz", s.loc.String()), logx.Int("jobs", s.Len()), logx.Duration("tick", s.tick))
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		s.RunPending(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("scheduler loop stopped")
			return nil
		case <-t.C:
		}
	}
}
