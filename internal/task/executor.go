package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"nrtool/internal/config"
	"nrtool/internal/jitter"
	"nrtool/internal/notify"
	"nrtool/internal/observability"
	"nrtool/internal/scheduler"
	"nrtool/internal/storage"
	"nrtool/internal/submit"
	logx "nrtool/pkg/logx"
)

// Submitter posts one form.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (submit.Result, error)
}

// Notifier receives every submission outcome.
type Notifier interface {
	Notify(o notify.Outcome) error
}

type Executor struct {
	sched   Scheduler
	sampler *jitter.Sampler
	sub     Submitter
	log     logx.Logger

	store    storage.Store
	notifier Notifier
	metrics  *observability.Metrics
	newRunID func() string
	now      func() time.Time
}

type ExecutorOption func(*Executor)

func WithStore(st storage.Store) ExecutorOption {
	return func(e *Executor) { e.store = st }
}

func WithNotifier(n Notifier) ExecutorOption {
	return func(e *Executor) { e.notifier = n }
}

func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithRunIDs overrides the run id generator (uuid v4 by default).
func WithRunIDs(fn func() string) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.newRunID = fn
		}
	}
}

func WithExecutorNow(fn func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.now = fn
		}
	}
}

func NewExecutor(sched Scheduler, sampler *jitter.Sampler, sub Submitter, log logx.Logger, opts ...ExecutorOption) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sampler == nil {
		sampler = jitter.New(nil)
	}
	e := &Executor{
		sched:    sched,
		sampler:  sampler,
		sub:      sub,
		log:      log,
		newRunID: uuid.NewString,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Trigger is the daily job body. A jittered task is deferred through a
// one-shot job; any other task is submitted synchronously.
func (e *Executor) Trigger(ctx context.Context, p Payload) error {
	if !p.Jittered() {
		return e.Run(ctx, p, 0)
	}
	delay := e.sampler.Delay(p.Sigma, p.Upbound)
	e.metrics.ObserveJitter(delay)
	e.log.Info("submission deferred",
		logx.String("task", p.ID),
		logx.Duration("delay", delay),
		logx.Time("at", e.now().Add(delay)),
	)
	return e.sched.AddOnce(p.DeferredJobName(), delay, func(ctx context.Context) error {
		// Run logs and counts its own failures.
		_ = e.Run(ctx, p, delay)
		return scheduler.ErrCancel
	})
}

// Run submits the form for p now. The profile is read from disk on every call.
func (e *Executor) Run(ctx context.Context, p Payload, delay time.Duration) error {
	runID := e.newRunID()
	log := e.log.With(logx.String("task", p.ID), logx.String("run", runID))
	out := notify.Outcome{TaskID: p.ID, RunID: runID, Delay: delay, At: e.now()}

	profile, err := config.LoadProfile(p.ProfilePath)
	if err != nil {
		err = fmt.Errorf("task %s: load profile: %w", p.ID, err)
		log.Error("submission skipped", logx.Err(err))
		e.metrics.ObserveSubmission(p.ID, observability.ResultSkipped, 0)
		out.Err = err
		e.notify(log, out)
		return err
	}

	res, err := e.sub.Submit(ctx, submit.Request{TaskID: p.ID, UID: p.UID, Cookie: p.Cookie, Profile: profile})
	out.Date = res.Form.Get("date")
	out.Attempts = res.Attempts
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("submission cancelled", logx.Int("attempts", res.Attempts))
			return err
		}
		err = fmt.Errorf("task %s: %w", p.ID, err)
		log.Error("submission failed", logx.Int("attempts", res.Attempts), logx.Err(err))
		e.metrics.ObserveSubmission(p.ID, observability.ResultTransport, res.Attempts)
		out.Err = err
		e.notify(log, out)
		return err
	}

	out.Status = res.Status
	result := observability.ResultOK
	if !res.OK() {
		result = observability.ResultHTTPError
	}
	e.metrics.ObserveSubmission(p.ID, result, res.Attempts)
	log.Info("form submitted",
		logx.Int("status", res.Status),
		logx.Int("attempts", res.Attempts),
		logx.String("date", out.Date),
		logx.Any("response", res.Response),
	)

	var storeErr error
	if e.store != nil {
		storeErr = e.store.PutSubmission(ctx, storage.Submission{
			TaskID:   p.ID,
			Date:     out.Date,
			RunID:    runID,
			Payload:  res.Form.Map(),
			Response: res.Response,
			Status:   res.Status,
			Attempts: res.Attempts,
			At:       out.At,
		})
		if storeErr != nil {
			storeErr = fmt.Errorf("task %s: record submission: %w", p.ID, storeErr)
			log.Error("submission record not written", logx.Err(storeErr))
		}
	}
	e.notify(log, out)
	return storeErr
}

func (e *Executor) notify(log logx.Logger, o notify.Outcome) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(o); err != nil {
		log.Debug("outcome notification not queued", logx.Err(err))
	}
}
