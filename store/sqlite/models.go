package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
)

// jobRow mirrors one floq_jobs row. Times are unix nanoseconds so SQLite
// comparisons stay integer-only; the failure column holds JSON.
type jobRow struct {
	ID              string
	Kind            string
	Payload         []byte
	State           string
	MaxAttempts     int
	AttemptCount    int
	Result          []byte
	Failure         sql.NullString
	LastError       string
	WorkerID        string
	CancelRequested bool
	RunAt           int64
	CreatedAt       int64
	StartedAt       sql.NullInt64
	FinishedAt      sql.NullInt64
	HeartbeatAt     sql.NullInt64
	UpdatedAt       int64
	TimeoutNS       int64
}

const jobColumns = `id, kind, payload, state, max_attempts, attempt_count,
	result, failure, last_error, worker_id, cancel_requested,
	run_at, created_at, started_at, finished_at, heartbeat_at, updated_at, timeout_ns`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(sc rowScanner) (*jobRow, error) {
	var r jobRow
	err := sc.Scan(
		&r.ID, &r.Kind, &r.Payload, &r.State, &r.MaxAttempts, &r.AttemptCount,
		&r.Result, &r.Failure, &r.LastError, &r.WorkerID, &r.CancelRequested,
		&r.RunAt, &r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.HeartbeatAt,
		&r.UpdatedAt, &r.TimeoutNS,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func toJobRow(j *job.Job) (*jobRow, error) {
	r := &jobRow{
		ID:              j.ID.String(),
		Kind:            j.Kind,
		Payload:         j.Payload,
		State:           string(j.State),
		MaxAttempts:     j.MaxAttempts,
		AttemptCount:    j.AttemptCount,
		Result:          j.Result,
		LastError:       j.LastError,
		CancelRequested: j.CancelRequested,
		RunAt:           j.RunAt.UnixNano(),
		CreatedAt:       j.CreatedAt.UnixNano(),
		StartedAt:       toNullTime(j.StartedAt),
		FinishedAt:      toNullTime(j.FinishedAt),
		HeartbeatAt:     toNullTime(j.HeartbeatAt),
		UpdatedAt:       j.UpdatedAt.UnixNano(),
		TimeoutNS:       j.Timeout.Nanoseconds(),
	}
	if !j.WorkerID.IsNil() {
		r.WorkerID = j.WorkerID.String()
	}
	if j.Failure != nil {
		b, err := json.Marshal(j.Failure)
		if err != nil {
			return nil, fmt.Errorf("floq/sqlite: encode failure: %w", err)
		}
		r.Failure = sql.NullString{String: string(b), Valid: true}
	}
	return r, nil
}

func fromJobRow(r *jobRow) (*job.Job, error) {
	jobID, err := id.ParseJobID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("floq/sqlite: parse job id %q: %w", r.ID, err)
	}

	j := &job.Job{
		ID:              jobID,
		Kind:            r.Kind,
		Payload:         r.Payload,
		State:           job.State(r.State),
		MaxAttempts:     r.MaxAttempts,
		AttemptCount:    r.AttemptCount,
		Result:          r.Result,
		LastError:       r.LastError,
		CancelRequested: r.CancelRequested,
		RunAt:           time.Unix(0, r.RunAt).UTC(),
		CreatedAt:       time.Unix(0, r.CreatedAt).UTC(),
		StartedAt:       fromNullTime(r.StartedAt),
		FinishedAt:      fromNullTime(r.FinishedAt),
		HeartbeatAt:     fromNullTime(r.HeartbeatAt),
		UpdatedAt:       time.Unix(0, r.UpdatedAt).UTC(),
		Timeout:         time.Duration(r.TimeoutNS),
	}
	if r.WorkerID != "" {
		w, werr := id.ParseWorkerID(r.WorkerID)
		if werr != nil {
			return nil, fmt.Errorf("floq/sqlite: parse worker id %q: %w", r.WorkerID, werr)
		}
		j.WorkerID = w
	}
	if r.Failure.Valid {
		var f job.Failure
		if err := json.Unmarshal([]byte(r.Failure.String), &f); err != nil {
			return nil, fmt.Errorf("floq/sqlite: decode failure: %w", err)
		}
		j.Failure = &f
	}
	return j, nil
}

func toNullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
