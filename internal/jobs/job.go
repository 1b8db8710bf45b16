// Package jobs runs exports and analyses asynchronously on a snapshot of the
// dataset that was active at submission time.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
)

// Type selects the runner of a job.
type Type string

const (
	TypeExport   Type = "export"
	TypeAnalysis Type = "analysis"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Params are the caller supplied job options.
type Params struct {
	Filter dataset.Filter `json:"filter"`
	// TopN limits rankings and suspicious entities of analysis reports.
	TopN int `json:"top_n,omitempty"`
}

// Job is a snapshot of a job's state. Values returned by the Manager are
// copies and never change. Failure holds the *UnrecoverableJobError of a
// failed job; Error is its message.
type Job struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	Params         Params     `json:"params"`
	DatasetID      string     `json:"dataset_id"`
	ResultLocation string     `json:"result_location,omitempty"`
	Error          string     `json:"error,omitempty"`
	Failure        error      `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotReady       = errors.New("job result not ready")
	ErrJobNotCancellable = errors.New("job can no longer be cancelled")
	ErrQueueFull         = errors.New("job queue is full")
	ErrUnknownJobType    = errors.New("unknown job type")
	ErrInvalidParams     = errors.New("invalid job parameters")
	ErrClosed            = errors.New("job manager closed")
)

// UnrecoverableJobError is the failure recorded on a job whose runner
// returned an error or panicked. Jobs are not retried.
type UnrecoverableJobError struct {
	JobID string
	Err   error
}

func (e *UnrecoverableJobError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
}

func (e *UnrecoverableJobError) Unwrap() error {
	return e.Err
}
