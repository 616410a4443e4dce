// Package memory implements job.Store with an in-process map guarded by a
// mutex. All conditional transitions are evaluated under the lock, so it
// honors the same claim semantics as the durable stores. Intended for unit
// tests and single-process development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
)

// Store implements job.Store in process memory.
type Store struct {
	mu   sync.RWMutex
	jobs map[id.JobID]*job.Job
}

var _ job.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{jobs: make(map[id.JobID]*job.Job)}
}

// clone deep-copies a job so callers never alias stored state.
func clone(j *job.Job) *job.Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append([]byte(nil), j.Result...)
	}
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.HeartbeatAt != nil {
		t := *j.HeartbeatAt
		c.HeartbeatAt = &t
	}
	return &c
}

// InsertJob persists a new job, rejecting duplicate IDs.
func (s *Store) InsertJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return floq.ErrJobExists
	}
	s.jobs[j.ID] = clone(j)
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, floq.ErrJobNotFound
	}
	return clone(j), nil
}

// ClaimJob transitions pending or retrying to running for exactly one caller.
func (s *Store) ClaimJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, floq.ErrJobNotFound
	}
	if !j.State.Claimable() {
		return nil, floq.ErrClaimConflict
	}

	now := time.Now().UTC()
	j.State = job.StateRunning
	j.AttemptCount++
	j.WorkerID = workerID
	if j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	hb := now
	j.HeartbeatAt = &hb
	j.UpdatedAt = now
	return clone(j), nil
}

// CompleteJob transitions running to succeeded for the owning worker.
func (s *Store) CompleteJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	j.State = job.StateSucceeded
	j.Result = append([]byte(nil), result...)
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// FailJob transitions running to failed for the owning worker.
func (s *Store) FailJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, f *job.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	fc := *f
	j.State = job.StateFailed
	j.Failure = &fc
	j.LastError = f.Message
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// RetryJob transitions running to retrying for the owning worker.
func (s *Store) RetryJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, lastErr string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	j.State = job.StateRetrying
	j.LastError = lastErr
	j.RunAt = nextRunAt
	j.WorkerID = id.WorkerID{}
	j.HeartbeatAt = nil
	j.UpdatedAt = now
	return nil
}

// HeartbeatJob refreshes the heartbeat for a still-owned running job.
func (s *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	j.HeartbeatAt = &now
	j.UpdatedAt = now
	return nil
}

// RequestCancel sets the polled cancellation flag.
func (s *Store) RequestCancel(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return floq.ErrJobNotFound
	}
	j.CancelRequested = true
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// StaleRunningJobs returns running jobs whose heartbeat is older than olderThan.
func (s *Store) StaleRunningJobs(_ context.Context, olderThan time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if j.State == job.StateRunning && j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

// ReleaseStaleJob transitions a stale running job to retrying or failed.
// The staleness check repeats under the lock so a worker finishing
// concurrently wins.
func (s *Store) ReleaseStaleJob(_ context.Context, jobID id.JobID, to job.State, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return floq.ErrJobNotFound
	}
	if j.State != job.StateRunning || j.HeartbeatAt == nil || !j.HeartbeatAt.Before(cutoff) {
		return floq.ErrClaimConflict
	}

	now := time.Now().UTC()
	switch to {
	case job.StateRetrying:
		j.State = job.StateRetrying
		j.LastError = "worker heartbeat expired"
		j.WorkerID = id.WorkerID{}
		j.HeartbeatAt = nil
	case job.StateFailed:
		j.State = job.StateFailed
		j.Failure = &job.Failure{
			Kind:    job.FailureTimeout,
			Message: "worker heartbeat expired",
			Attempt: j.AttemptCount,
		}
		j.LastError = "worker heartbeat expired"
		j.FinishedAt = &now
	default:
		return floq.ErrClaimConflict
	}
	j.UpdatedAt = now
	return nil
}

// PendingJobsBefore returns pending jobs created before cutoff, oldest first.
func (s *Store) PendingJobsBefore(_ context.Context, cutoff time.Time, limit int) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if j.State == job.StatePending && j.CreatedAt.Before(cutoff) {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListJobsByState returns jobs in the given state, newest first.
func (s *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if j.State != state {
			continue
		}
		if opts.Kind != "" && j.Kind != opts.Kind {
			continue
		}
		out = append(out, clone(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, j := range s.jobs {
		if opts.Kind != "" && j.Kind != opts.Kind {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		n++
	}
	return n, nil
}

// owned returns the stored job when it is running and owned by workerID.
// Must be called with the write lock held.
func (s *Store) owned(jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, floq.ErrJobNotFound
	}
	if j.State != job.StateRunning || j.WorkerID != workerID {
		return nil, floq.ErrClaimConflict
	}
	return j, nil
}
