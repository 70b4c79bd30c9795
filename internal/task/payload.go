package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nrtool/internal/scheduler"
)

var ErrInvalidTask = errors.New("invalid task")

const (
	// DefaultTime is the trigger time when a task has none.
	DefaultTime = "07:00"
	// MinJitter is the floor, in seconds, both jitter parameters must exceed.
	MinJitter = 5.0

	jobPrefix = "task:"
)

// Payload is a validated task.
type Payload struct {
	ID          string
	UID         string
	Cookie      string
	ProfilePath string // absolute
	Time        string // HH:MM or HH:MM:SS
	Sigma       float64
	Upbound     float64
}

func (p Payload) JobName() string         { return jobPrefix + p.ID }
func (p Payload) DeferredJobName() string { return jobPrefix + p.ID + ":deferred" }

// Jittered reports whether a trigger defers the submission by a random delay.
func (p Payload) Jittered() bool { return p.Sigma > MinJitter && p.Upbound > MinJitter }

// TaskError is a validation failure for one entry of the task list.
type TaskError struct {
	Index int
	ID    string
	Err   error
}

func (e *TaskError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("task #%d: %v", e.Index+1, e.Err)
	}
	return fmt.Sprintf("task #%d (id=%s): %v", e.Index+1, e.ID, e.Err)
}

func (e *TaskError) Unwrap() []error { return []error{ErrInvalidTask, e.Err} }

// Scheduler is the part of *scheduler.Scheduler the task package drives.
type Scheduler interface {
	AddDaily(name, at string, job scheduler.Job) error
	AddOnce(name string, delay time.Duration, job scheduler.Job) error
	Remove(name string) bool
	Names() []string
}

var _ Scheduler = (*scheduler.Scheduler)(nil)

// jobFunc adapts a payload-bound call into a scheduler job.
func jobFunc(p Payload, fn func(context.Context, Payload) error) scheduler.Job {
	return func(ctx context.Context) error { return fn(ctx, p) }
}
