// Package scheduler runs named jobs at wall-clock times from a single loop.
//
// The loop wakes once per tick (default 1s), collects due jobs and runs them
// one after another to completion, so no two jobs ever overlap. Recurring
// triggers are robfig/cron schedules; one-shot jobs are removed after they
// fire. A job may also unschedule itself by returning ErrCancel.
//
// Time comes from an injected Clock so tests can drive RunPending directly.
package scheduler
