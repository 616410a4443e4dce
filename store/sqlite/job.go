package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
)

// InsertJob persists a new job, rejecting duplicate IDs.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	r, err := toJobRow(j)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO floq_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Payload, r.State, r.MaxAttempts, r.AttemptCount,
		r.Result, r.Failure, r.LastError, r.WorkerID, r.CancelRequested,
		r.RunAt, r.CreatedAt, r.StartedAt, r.FinishedAt, r.HeartbeatAt,
		r.UpdatedAt, r.TimeoutNS,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return floq.ErrJobExists
		}
		return fmt.Errorf("floq/sqlite: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM floq_jobs WHERE id = ?`, jobID.String())
	r, err := scanJobRow(row)
	if err != nil {
		if isNoRows(err) {
			return nil, floq.ErrJobNotFound
		}
		return nil, fmt.Errorf("floq/sqlite: get job: %w", err)
	}
	return fromJobRow(r)
}

// ClaimJob transitions the job to running with a state-guarded UPDATE.
// SQLite serializes writers, so at most one concurrent claimer matches.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE floq_jobs
		SET state = ?, worker_id = ?,
			attempt_count = attempt_count + 1,
			started_at = COALESCE(started_at, ?),
			heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		string(job.StateRunning), workerID.String(), now, now, now,
		jobID.String(), string(job.StatePending), string(job.StateRetrying),
	)
	if err != nil {
		return nil, fmt.Errorf("floq/sqlite: claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.conflictOrMissing(ctx, jobID)
	}
	return s.GetJob(ctx, jobID)
}

// CompleteJob transitions running to succeeded for the owning worker.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) error {
	now := time.Now().UTC().UnixNano()
	return s.ownedUpdate(ctx, jobID, workerID, "complete job", `
		UPDATE floq_jobs
		SET state = ?, result = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND worker_id = ?`,
		string(job.StateSucceeded), result, now, now,
	)
}

// FailJob transitions running to failed for the owning worker.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, f *job.Failure) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("floq/sqlite: encode failure: %w", err)
	}

	now := time.Now().UTC().UnixNano()
	return s.ownedUpdate(ctx, jobID, workerID, "fail job", `
		UPDATE floq_jobs
		SET state = ?, failure = ?, last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND worker_id = ?`,
		string(job.StateFailed), string(b), f.Message, now, now,
	)
}

// RetryJob transitions running to retrying for the owning worker.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lastErr string, nextRunAt time.Time) error {
	now := time.Now().UTC().UnixNano()
	return s.ownedUpdate(ctx, jobID, workerID, "retry job", `
		UPDATE floq_jobs
		SET state = ?, last_error = ?, run_at = ?,
			worker_id = '', heartbeat_at = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND worker_id = ?`,
		string(job.StateRetrying), lastErr, nextRunAt.UnixNano(), now,
	)
}

// HeartbeatJob refreshes the heartbeat for a still-owned running job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	now := time.Now().UTC().UnixNano()
	return s.ownedUpdate(ctx, jobID, workerID, "heartbeat job", `
		UPDATE floq_jobs
		SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND worker_id = ?`,
		now, now,
	)
}

// RequestCancel sets the polled cancellation flag without changing state.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE floq_jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("floq/sqlite: request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return floq.ErrJobNotFound
	}
	return nil
}

// StaleRunningJobs returns running jobs whose heartbeat is older than olderThan.
func (s *Store) StaleRunningJobs(ctx context.Context, olderThan time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM floq_jobs
		WHERE state = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`,
		string(job.StateRunning), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("floq/sqlite: stale running jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ReleaseStaleJob transitions a stale running job to retrying or failed.
// The heartbeat cutoff stays in the WHERE clause so a live worker finishing
// concurrently wins.
func (s *Store) ReleaseStaleJob(ctx context.Context, jobID id.JobID, to job.State, cutoff time.Time) error {
	now := time.Now().UTC().UnixNano()

	var res sql.Result
	var err error
	switch to {
	case job.StateRetrying:
		res, err = s.db.ExecContext(ctx, `
			UPDATE floq_jobs
			SET state = ?, last_error = 'worker heartbeat expired',
				worker_id = '', heartbeat_at = NULL, updated_at = ?
			WHERE id = ? AND state = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`,
			string(job.StateRetrying), now,
			jobID.String(), string(job.StateRunning), cutoff.UnixNano(),
		)
	case job.StateFailed:
		b, merr := json.Marshal(&job.Failure{
			Kind:    job.FailureTimeout,
			Message: "worker heartbeat expired",
		})
		if merr != nil {
			return fmt.Errorf("floq/sqlite: encode failure: %w", merr)
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE floq_jobs
			SET state = ?, failure = ?, last_error = 'worker heartbeat expired',
				finished_at = ?, updated_at = ?
			WHERE id = ? AND state = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`,
			string(job.StateFailed), string(b), now, now,
			jobID.String(), string(job.StateRunning), cutoff.UnixNano(),
		)
	default:
		return floq.ErrClaimConflict
	}
	if err != nil {
		return fmt.Errorf("floq/sqlite: release stale job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}
	return nil
}

// PendingJobsBefore returns pending jobs created before cutoff, oldest first.
func (s *Store) PendingJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*job.Job, error) {
	q := `
		SELECT ` + jobColumns + ` FROM floq_jobs
		WHERE state = ? AND created_at < ?
		ORDER BY created_at ASC`
	args := []any{string(job.StatePending), cutoff.UnixNano()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("floq/sqlite: pending jobs before: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobsByState returns jobs matching the given state, newest first.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM floq_jobs WHERE state = ?`
	args := []any{string(state)}
	if opts.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, opts.Kind)
	}
	q += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			q += ` LIMIT -1`
		}
		q += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("floq/sqlite: list jobs by state: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := `SELECT COUNT(*) FROM floq_jobs WHERE 1 = 1`
	var args []any
	if opts.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, opts.Kind)
	}
	if opts.State != "" {
		q += ` AND state = ?`
		args = append(args, string(opts.State))
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("floq/sqlite: count jobs: %w", err)
	}
	return n, nil
}

// ownedUpdate runs an UPDATE whose WHERE clause ends with
// "id = ? AND state = ? AND worker_id = ?", appending those arguments and
// translating a zero row count into the claim errors.
func (s *Store) ownedUpdate(ctx context.Context, jobID id.JobID, workerID id.WorkerID, op, query string, args ...any) error {
	args = append(args, jobID.String(), string(job.StateRunning), workerID.String())
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("floq/sqlite: %s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}
	return nil
}

// conflictOrMissing distinguishes a lost conditional update from a job
// that does not exist at all.
func (s *Store) conflictOrMissing(ctx context.Context, jobID id.JobID) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM floq_jobs WHERE id = ?`, jobID.String()).Scan(&n)
	if err != nil {
		return fmt.Errorf("floq/sqlite: lookup job %s: %w", jobID, err)
	}
	if n == 0 {
		return floq.ErrJobNotFound
	}
	return floq.ErrClaimConflict
}

func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		r, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("floq/sqlite: scan job: %w", err)
		}
		j, err := fromJobRow(r)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("floq/sqlite: iterate jobs: %w", err)
	}
	return jobs, nil
}
