package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"nrtool/internal/clocksync"
	"nrtool/internal/config"
	"nrtool/internal/jitter"
	"nrtool/internal/notify"
	"nrtool/internal/observability"
	rtsup "nrtool/internal/runtime/supervisor"
	"nrtool/internal/scheduler"
	"nrtool/internal/storage"
	"nrtool/internal/submit"
	"nrtool/internal/task"
	logx "nrtool/pkg/logx"
)

const clockSyncJob = "clocksync"

type App struct {
	env config.Env

	log  logx.Logger
	logs *logx.Service

	tasks    *config.TasksManager
	loader   *task.Loader
	mu       sync.Mutex
	payloads []task.Payload

	sched    *scheduler.Scheduler
	exec     *task.Executor
	store    storage.Store
	clock    *clocksync.Updater
	offset   *clocksync.Offset
	metrics  *observability.Metrics
	obs      *observability.Server
	telegram *notify.Telegram

	sup *rtsup.Supervisor
}

type options struct {
	clock      scheduler.Clock
	tick       time.Duration
	httpClient *http.Client
	randSrc    rand.Source
}

type Option func(*options)

// WithClock injects the scheduler clock.
func WithClock(c scheduler.Clock) Option { return func(o *options) { o.clock = c } }

// WithTick sets the scheduler loop period.
func WithTick(d time.Duration) Option { return func(o *options) { o.tick = d } }

// WithHTTPClient is used for the form post and the clock probe.
func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.httpClient = hc } }

// WithRandSource seeds the jitter sampler.
func WithRandSource(src rand.Source) Option { return func(o *options) { o.randSrc = src } }

// New builds every component and loads tasks.yaml. A task configuration
// error fails here so the process can exit before scheduling anything.
func New(env config.Env, opts ...Option) (*App, error) {
	o := options{clock: scheduler.SystemClock()}
	for _, fn := range opts {
		fn(&o)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   env.LogLevel,
		Console: true,
		File:    logx.FileConfig{Enabled: strings.TrimSpace(env.LogFile) != "", Path: env.LogFile},
	})
	log = log.With(logx.String("comp", "app"))

	a := &App{env: env, log: log, logs: logSvc, offset: &clocksync.Offset{}}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	a.metrics = observability.NewMetrics()

	sched, err := scheduler.New(scheduler.Config{Timezone: env.Timezone, Tick: o.tick},
		log.With(logx.String("comp", "scheduler")),
		scheduler.WithClock(o.clock),
		scheduler.WithRunHook(a.observeRun),
	)
	if err != nil {
		return fail(err)
	}
	a.sched = sched

	sc, enabled, err := mapStorageConfig(env)
	if err != nil {
		return fail(err)
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	sub, err := submit.New(submit.Config{
		Endpoint:   env.APIEndpoint,
		UserAgent:  env.UserAgent,
		FormID:     env.FormID,
		Attempts:   env.SubmitAttempts,
		RetryDelay: env.SubmitRetryDelay,
		Timeout:    env.RequestTimeout,
		RatePerSec: env.SubmitRatePerSec,
		Location:   sched.Location(),
	}, log.With(logx.String("comp", "submit")), submit.WithHTTPClient(o.httpClient), submit.WithNow(o.clock.Now))
	if err != nil {
		return fail(err)
	}

	exOpts := []task.ExecutorOption{task.WithMetrics(a.metrics), task.WithExecutorNow(o.clock.Now)}
	if a.store != nil {
		exOpts = append(exOpts, task.WithStore(a.store))
	}
	if env.TelegramToken != "" && env.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(notify.Config{Token: env.TelegramToken, ChatID: env.TelegramChatID},
			log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(fmt.Errorf("telegram: %w", err))
		}
		a.telegram = tg
		exOpts = append(exOpts, task.WithNotifier(tg))
	}
	a.exec = task.NewExecutor(sched, jitter.New(o.randSrc), sub, log.With(logx.String("comp", "executor")), exOpts...)

	a.clock, err = clocksync.New(clocksync.Config{
		Endpoint:  env.TestEndpoint,
		UserAgent: env.UserAgent,
		Timeout:   env.RequestTimeout,
	}, a.offset, log.With(logx.String("comp", "clocksync")),
		clocksync.WithHTTPClient(o.httpClient),
		clocksync.WithMeasureHook(a.metrics.SetServerOffset),
	)
	if err != nil {
		return fail(err)
	}

	a.loader = task.NewLoader(env.DataDir, log.With(logx.String("comp", "loader")))
	a.tasks = config.NewTasksManager(env.TasksPath())
	a.tasks.SetLogger(log.With(logx.String("comp", "tasks")))
	f, err := a.tasks.Load()
	if err != nil {
		return fail(err)
	}
	a.payloads, err = a.loader.Load(f.List())
	if err != nil {
		return fail(fmt.Errorf("can't load tasks: %w", err))
	}

	if strings.TrimSpace(env.HTTPAddr) != "" {
		a.obs = observability.NewServer(observability.Config{
			Addr:         env.HTTPAddr,
			Token:        env.HTTPToken,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
		}, a.metrics, a.health, log.With(logx.String("comp", "observability")))
	}
	return a, nil
}

// Check validates env-derived paths and tasks.yaml without starting anything.
func Check(env config.Env, log logx.Logger) ([]task.Payload, error) {
	if _, _, err := mapStorageConfig(env); err != nil {
		return nil, err
	}
	return task.NewLoader(env.DataDir, log).LoadFile(env.TasksPath())
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Metrics() *observability.Metrics { return a.metrics }
func (a *App) Offset() *clocksync.Offset       { return a.offset }
func (a *App) Store() storage.Store            { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.loader.Register(a.sched, a.payloads, a.exec); err != nil {
		return err
	}
	if err := a.sched.AddDaily(clockSyncJob, a.env.SyncAt, a.clock.Update); err != nil {
		return fmt.Errorf("schedule clock sync: %w", err)
	}
	a.metrics.SetTasks(len(a.payloads))
	a.metrics.SetJobs(a.sched.Len())
	for _, info := range a.sched.Snapshot() {
		a.log.Info("next run", logx.String("job", info.Name), logx.Time("at", info.Next))
	}
	for _, last := range a.lastSubmissions(ctx) {
		a.log.Info("last submission",
			logx.String("task", last.Task),
			logx.String("date", last.Date),
			logx.Int("status", last.Status),
			logx.Time("at", last.At),
		)
	}

	a.tasks.SetValidator(func(c context.Context, f *config.TaskFile) error {
		_, err := a.loader.Load(f.List())
		a.metrics.ObserveReload(err == nil)
		return err
	})
	reloads := a.tasks.Subscribe(4)
	a.sup.Go0("tasks.reload", func(c context.Context) {
		defer a.tasks.Unsubscribe(reloads)
		a.reloadLoop(c, reloads)
	})
	a.sup.Go("tasks.watch", a.tasks.Watch)

	if a.telegram != nil {
		// Notifications are best effort; a crashed sender restarts instead of stopping the daemon.
		a.sup.GoRestart("notify.telegram", time.Second, time.Minute, a.telegram.Run)
	}
	if a.obs != nil {
		if err := a.obs.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return err
		}
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdogLoop(c, a.log) })

	a.log.Info("waiting for the scheduler", logx.Int("tasks", len(a.payloads)))
	a.sup.Go("scheduler.loop", a.sched.Run)

	sdNotify(a.log, daemon.SdNotifyReady)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, ch <-chan *config.TaskFile) {
	last := a.tasks.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest file.
		drain:
			for {
				select {
				case newer := <-ch:
					if newer != nil {
						f = newer
					}
				default:
					break drain
				}
			}
			a.applyTasks(last, f)
			last = f
		}
	}
}

func (a *App) applyTasks(prev, next *config.TaskFile) {
	change := config.SummarizeTaskChange(prev, next)
	if change.Empty() {
		a.log.Debug("tasks reload received, but no effective changes detected")
	} else {
		a.log.Info("tasks changed",
			logx.Any("added", change.Added),
			logx.Any("removed", change.Removed),
			logx.Any("changed", change.Changed),
		)
	}
	payloads, err := a.loader.Load(next.List())
	if err != nil {
		// The validator already accepted this file; a profile may have vanished since.
		a.log.Warn("tasks reload failed; keeping previous jobs", logx.Err(err))
		return
	}
	if _, err := a.loader.Sync(a.sched, payloads, a.exec); err != nil {
		a.log.Error("tasks reload partially applied", logx.Err(err))
	}
	a.mu.Lock()
	a.payloads = payloads
	a.mu.Unlock()
	a.metrics.SetTasks(len(payloads))
	a.metrics.SetJobs(a.sched.Len())
}

func (a *App) observeRun(ev scheduler.RunEvent) {
	outcome := "ok"
	switch {
	case ev.Panicked:
		outcome = "panic"
	case ev.Err != nil:
		outcome = "error"
	}
	a.metrics.ObserveJobRun(string(ev.Kind), outcome)
	a.metrics.SetJobs(a.sched.Len())
}

type lastSubmission struct {
	Task   string    `json:"task"`
	Date   string    `json:"date"`
	Status int       `json:"status"`
	At     time.Time `json:"at"`
}

// lastSubmissions reads the latest stored submission of every loaded task.
func (a *App) lastSubmissions(ctx context.Context) []lastSubmission {
	if a.store == nil {
		return nil
	}
	a.mu.Lock()
	payloads := a.payloads
	a.mu.Unlock()

	out := make([]lastSubmission, 0, len(payloads))
	for _, p := range payloads {
		sub, ok, err := a.store.LastSubmission(ctx, p.ID)
		if err != nil {
			a.log.Debug("last submission lookup failed", logx.String("task", p.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		out = append(out, lastSubmission{Task: sub.TaskID, Date: sub.Date, Status: sub.Status, At: sub.At})
	}
	return out
}

type healthJob struct {
	Name string    `json:"name"`
	Kind string    `json:"kind"`
	Next time.Time `json:"next"`
	Runs uint64    `json:"runs"`
}

func (a *App) health() (any, error) {
	jobs := []healthJob{}
	for _, info := range a.sched.Snapshot() {
		jobs = append(jobs, healthJob{Name: info.Name, Kind: string(info.Kind), Next: info.Next, Runs: info.Runs})
	}
	detail := map[string]any{"jobs": jobs}
	if last := a.lastSubmissions(context.Background()); last != nil {
		detail["last_submissions"] = last
	}
	if secs, at, ok := a.offset.Get(); ok {
		detail["server_offset_s"] = secs
		detail["server_offset_at"] = at
	}
	if a.sup != nil {
		detail["goroutines"] = a.sup.Snapshot()
		if err := a.sup.Err(); err != nil {
			return detail, err
		}
	}
	return detail, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStorage()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("observability", time.Second, func(c context.Context) error {
		if a.obs != nil {
			a.obs.Stop(c)
		}
		return nil
	})
	// The scheduler loop finishes the job in flight before it returns.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.closeStorage() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStorage() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
