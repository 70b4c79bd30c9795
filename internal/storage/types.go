package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Driver string
	// Path is the report directory for "file" and the database file for "sqlite".
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Submission is one completed form post.
type Submission struct {
	TaskID   string
	Date     string // YYYYMMDD, the date field that was posted
	RunID    string
	Payload  map[string]string
	Response any
	Status   int
	Attempts int
	At       time.Time
}

// Store is the persistence API used by the task executor.
type Store interface {
	PutSubmission(ctx context.Context, s Submission) error
	// LastSubmission returns the most recent submission recorded for taskID.
	LastSubmission(ctx context.Context, taskID string) (Submission, bool, error)
	Close() error
}
