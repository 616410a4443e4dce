package bunstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
)

// InsertJob persists a new job, rejecting duplicate IDs.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	m, err := toJobModel(j)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return floq.ErrJobExists
		}
		return fmt.Errorf("floq/bun: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, floq.ErrJobNotFound
		}
		return nil, fmt.Errorf("floq/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// ClaimJob atomically transitions the job to running with a state-guarded
// UPDATE ... RETURNING; row locking makes concurrent claimers serialize and
// only one matches the claimable predicate.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	var m jobModel
	err := s.db.NewRaw(`
		UPDATE floq_jobs
		SET state = 'running', worker_id = ?,
			attempt_count = attempt_count + 1,
			started_at = COALESCE(started_at, NOW()),
			heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = ? AND state IN ('pending', 'retrying')
		RETURNING *`,
		workerID.String(), jobID.String(),
	).Scan(ctx, &m)
	if err != nil {
		if isNoRows(err) {
			return nil, s.conflictOrMissing(ctx, jobID)
		}
		return nil, fmt.Errorf("floq/bun: claim job: %w", err)
	}
	return fromJobModel(&m)
}

// CompleteJob transitions running to succeeded for the owning worker.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) error {
	q := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("state = ?", string(job.StateSucceeded)).
		Set("result = ?", result).
		Set("finished_at = NOW()").
		Set("updated_at = NOW()")
	return s.ownedUpdate(ctx, q, jobID, workerID, "complete job")
}

// FailJob transitions running to failed for the owning worker.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, f *job.Failure) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("floq/bun: encode failure: %w", err)
	}

	q := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("state = ?", string(job.StateFailed)).
		Set("failure = ?", string(b)).
		Set("last_error = ?", f.Message).
		Set("finished_at = NOW()").
		Set("updated_at = NOW()")
	return s.ownedUpdate(ctx, q, jobID, workerID, "fail job")
}

// RetryJob transitions running to retrying for the owning worker.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lastErr string, nextRunAt time.Time) error {
	q := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("state = ?", string(job.StateRetrying)).
		Set("last_error = ?", lastErr).
		Set("run_at = ?", nextRunAt).
		Set("worker_id = ''").
		Set("heartbeat_at = NULL").
		Set("updated_at = NOW()")
	return s.ownedUpdate(ctx, q, jobID, workerID, "retry job")
}

// HeartbeatJob refreshes the heartbeat for a still-owned running job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	q := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("heartbeat_at = NOW()").
		Set("updated_at = NOW()")
	return s.ownedUpdate(ctx, q, jobID, workerID, "heartbeat job")
}

// RequestCancel sets the polled cancellation flag without changing state.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("cancel_requested = TRUE").
		Set("updated_at = NOW()").
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("floq/bun: request cancel: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return floq.ErrJobNotFound
	}
	return nil
}

// StaleRunningJobs returns running jobs whose heartbeat is older than olderThan.
func (s *Store) StaleRunningJobs(ctx context.Context, olderThan time.Duration) ([]*job.Job, error) {
	var models []jobModel
	err := s.db.NewSelect().Model(&models).
		Where("state = ?", string(job.StateRunning)).
		Where("heartbeat_at IS NOT NULL").
		Where("heartbeat_at < ?", time.Now().Add(-olderThan)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("floq/bun: stale running jobs: %w", err)
	}
	return convertJobs(models)
}

// ReleaseStaleJob transitions a stale running job to retrying or failed.
// The heartbeat cutoff stays in the WHERE clause so a worker finishing
// concurrently wins.
func (s *Store) ReleaseStaleJob(ctx context.Context, jobID id.JobID, to job.State, cutoff time.Time) error {
	q := s.db.NewUpdate().Model((*jobModel)(nil))
	switch to {
	case job.StateRetrying:
		q = q.Set("state = ?", string(job.StateRetrying)).
			Set("last_error = 'worker heartbeat expired'").
			Set("worker_id = ''").
			Set("heartbeat_at = NULL").
			Set("updated_at = NOW()")
	case job.StateFailed:
		b, err := json.Marshal(&job.Failure{
			Kind:    job.FailureTimeout,
			Message: "worker heartbeat expired",
		})
		if err != nil {
			return fmt.Errorf("floq/bun: encode failure: %w", err)
		}
		q = q.Set("state = ?", string(job.StateFailed)).
			Set("failure = ?", string(b)).
			Set("last_error = 'worker heartbeat expired'").
			Set("finished_at = NOW()").
			Set("updated_at = NOW()")
	default:
		return floq.ErrClaimConflict
	}

	res, err := q.
		Where("id = ?", jobID.String()).
		Where("state = ?", string(job.StateRunning)).
		Where("heartbeat_at IS NOT NULL").
		Where("heartbeat_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("floq/bun: release stale job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}
	return nil
}

// PendingJobsBefore returns pending jobs created before cutoff, oldest first.
func (s *Store) PendingJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("state = ?", string(job.StatePending)).
		Where("created_at < ?", cutoff).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("floq/bun: pending jobs before: %w", err)
	}
	return convertJobs(models)
}

// ListJobsByState returns jobs matching the given state, newest first.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("state = ?", string(state)).
		Order("created_at DESC")
	if opts.Kind != "" {
		q = q.Where("kind = ?", opts.Kind)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("floq/bun: list jobs by state: %w", err)
	}
	return convertJobs(models)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().Model((*jobModel)(nil))
	if opts.Kind != "" {
		q = q.Where("kind = ?", opts.Kind)
	}
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	n, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("floq/bun: count jobs: %w", err)
	}
	return int64(n), nil
}

// ownedUpdate finishes a prepared UPDATE with the running-and-owned
// predicates, translating a zero row count into the claim errors.
func (s *Store) ownedUpdate(ctx context.Context, q *bun.UpdateQuery, jobID id.JobID, workerID id.WorkerID, op string) error {
	res, err := q.
		Where("id = ?", jobID.String()).
		Where("state = ?", string(job.StateRunning)).
		Where("worker_id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("floq/bun: %s: %w", op, err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}
	return nil
}

// conflictOrMissing distinguishes a lost conditional update from a job
// that does not exist at all.
func (s *Store) conflictOrMissing(ctx context.Context, jobID id.JobID) error {
	exists, err := s.db.NewSelect().Model((*jobModel)(nil)).
		Where("id = ?", jobID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("floq/bun: lookup job %s: %w", jobID, err)
	}
	if !exists {
		return floq.ErrJobNotFound
	}
	return floq.ErrClaimConflict
}

func convertJobs(models []jobModel) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
