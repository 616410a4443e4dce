package job

import (
	"errors"
	"time"

	"github.com/floqueue/floq/id"
)

// State represents the lifecycle state of a job.
//
// Transitions are monotonic along
// pending → running → (succeeded | failed | retrying → running);
// nothing else is legal, and stores enforce this with conditional updates.
type State string

const (
	// StatePending means the job is durably recorded and waiting for a worker.
	StatePending State = "pending"
	// StateRunning means exactly one worker holds the execution claim.
	StateRunning State = "running"
	// StateSucceeded means the job finished and Result is set.
	StateSucceeded State = "succeeded"
	// StateFailed means the job will not run again and Failure is set.
	StateFailed State = "failed"
	// StateRetrying means the job failed but has attempts left and has been
	// republished for another delivery.
	StateRetrying State = "retrying"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Claimable reports whether a job in state s may be claimed by a worker.
func (s State) Claimable() bool {
	return s == StatePending || s == StateRetrying
}

// FailureKind classifies why a job reached StateFailed.
type FailureKind string

const (
	// FailureRetryable marks an execution error that exhausted its attempts.
	FailureRetryable FailureKind = "retryable"
	// FailureFatal marks an execution error the handler classified as
	// non-retryable; the job fails on its first such error.
	FailureFatal FailureKind = "fatal"
	// FailureTimeout marks a job abandoned by a crashed or hung worker and
	// released by the sweeper with no attempts left.
	FailureTimeout FailureKind = "timeout"
	// FailureCanceled marks a job whose cancel flag was observed.
	FailureCanceled FailureKind = "canceled"
)

// Failure is the structured error recorded on a failed job.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	// Attempt is the attempt number during which the failure occurred.
	Attempt int `json:"attempt"`
}

// Job is a unit of asynchronous work. The record in the result store is
// authoritative; the broker only carries the ID.
type Job struct {
	ID      id.JobID `json:"id"`
	Kind    string   `json:"kind"`
	Payload []byte   `json:"payload,omitempty"`
	State   State    `json:"state"`

	// MaxAttempts caps AttemptCount; once reached, any further failure is
	// terminal. AttemptCount is incremented by the claim, never elsewhere.
	MaxAttempts  int `json:"max_attempts"`
	AttemptCount int `json:"attempt_count"`

	// Result is set exactly once, by the succeeded transition.
	Result []byte `json:"result,omitempty"`
	// Failure is set exactly once, by the failed transition.
	// Result and Failure are mutually exclusive.
	Failure   *Failure `json:"failure,omitempty"`
	LastError string   `json:"last_error,omitempty"`

	// WorkerID is the current running owner, cleared on release.
	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	// CancelRequested is a polled flag; there is no preemptive interrupt.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// RunAt is the earliest time the job should execute; retries push it
	// forward by the backoff delay.
	RunAt time.Time `json:"run_at"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Timeout is the per-execution deadline enforced by middleware.
	// Zero means no deadline beyond the sweeper's staleness threshold.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// AttemptsLeft reports whether the job may still be retried.
func (j *Job) AttemptsLeft() bool {
	return j.AttemptCount < j.MaxAttempts
}

// FatalError wraps an error to mark it non-retryable. Handlers return
// Fatal(err) when retrying cannot help (bad input, permanent rejection).
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks err as non-retryable. A nil err returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked with Fatal.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
