package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrCancel is returned by a job to unschedule itself after the current run.
var ErrCancel = errors.New("scheduler: cancel job")

// Job is the unit of work run by the scheduler loop.
type Job func(ctx context.Context) error

// Clock abstracts wall-clock time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

type Kind string

const (
	KindCron Kind = "cron"
	KindOnce Kind = "once"
)

// Config controls the scheduler loop.
type Config struct {
	Timezone string        // IANA TZ, e.g. "Asia/Shanghai"; empty means Local
	Tick     time.Duration // loop period; default 1s
}

// RunEvent describes one finished job run. Err is nil for ErrCancel.
type RunEvent struct {
	Name     string
	Kind     Kind
	Started  time.Time
	Duration time.Duration
	Err      error
	Panicked bool
}

type entry struct {
	name  string
	kind  Kind
	spec  string
	sched cron.Schedule // nil for KindOnce
	job   Job

	next time.Time
	prev time.Time
	runs uint64
}

// Info is a read-only view of a scheduled job.
type Info struct {
	Name string
	Kind Kind
	Spec string
	Next time.Time
	Prev time.Time
	Runs uint64
}
