// Package task turns tasks.yaml entries into scheduled daily submissions.
//
// The Loader validates raw task definitions into Payloads (fail-fast: one bad
// task rejects the whole set) and registers one daily job per payload. At
// trigger time the Executor either submits immediately or, when both jitter
// parameters exceed MinJitter seconds, defers the submission by a bounded
// Rayleigh delay through a one-shot job.
package task
