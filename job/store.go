package job

import (
	"context"
	"time"

	"github.com/floqueue/floq/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Kind filters by job kind. Empty means all kinds.
	Kind string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Kind filters by job kind. Empty means all kinds.
	Kind string
	// State filters by job state. Empty means all states.
	State State
}

// Store is the conditional-update-capable persistence contract for job
// records, keyed by job ID. Every write must be durable before the call
// returns; every mutation after InsertJob is conditional on expected
// prior state so that concurrent workers cannot both win a transition.
type Store interface {
	// InsertJob persists a new pending job. Insert-if-absent: returns
	// floq.ErrJobExists if the ID is already present.
	InsertJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID, or floq.ErrJobNotFound.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ClaimJob conditionally transitions the job from pending or retrying
	// to running, increments AttemptCount, sets StartedAt (first claim
	// only), HeartbeatAt, and WorkerID, and returns the updated record.
	// Returns floq.ErrClaimConflict if the job is in any other state.
	ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*Job, error)

	// CompleteJob conditionally transitions running → succeeded, writing
	// Result and FinishedAt. The caller must be the running owner;
	// otherwise floq.ErrClaimConflict.
	CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) error

	// FailJob conditionally transitions running → failed, writing Failure
	// and FinishedAt. Owner-checked like CompleteJob.
	FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, f *Failure) error

	// RetryJob conditionally transitions running → retrying, recording the
	// attempt's error and the next RunAt, and clearing ownership.
	// Owner-checked like CompleteJob.
	RetryJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lastErr string, nextRunAt time.Time) error

	// HeartbeatJob refreshes HeartbeatAt for a job the worker still owns.
	// Returns floq.ErrClaimConflict if ownership was lost (e.g. the
	// sweeper released the job), floq.ErrJobNotFound if it is gone.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// RequestCancel sets the polled cancellation flag. It never changes
	// state; workers observe the flag between claim and execution.
	RequestCancel(ctx context.Context, jobID id.JobID) error

	// StaleRunningJobs returns running jobs whose heartbeat is older than
	// olderThan, i.e. whose owner is presumed dead.
	StaleRunningJobs(ctx context.Context, olderThan time.Duration) ([]*Job, error)

	// ReleaseStaleJob conditionally transitions a running job whose
	// heartbeat predates cutoff into to (retrying or failed). The
	// staleness condition is re-checked atomically so a live worker
	// finishing concurrently wins; the loser gets floq.ErrClaimConflict.
	ReleaseStaleJob(ctx context.Context, jobID id.JobID, to State, cutoff time.Time) error

	// PendingJobsBefore returns pending jobs created before cutoff, for
	// the reconciliation sweep that republishes lost submissions.
	PendingJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)

	// ListJobsByState returns jobs matching the given state.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
