package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
)

type jobModel struct {
	bun.BaseModel `bun:"table:floq_jobs"`

	ID              string          `bun:"id,pk"`
	Kind            string          `bun:"kind,notnull"`
	Payload         []byte          `bun:"payload,type:bytea"`
	State           string          `bun:"state,notnull,default:'pending'"`
	MaxAttempts     int             `bun:"max_attempts,notnull,default:3"`
	AttemptCount    int             `bun:"attempt_count,notnull,default:0"`
	Result          []byte          `bun:"result,type:bytea"`
	Failure         json.RawMessage `bun:"failure,type:jsonb,nullzero"`
	LastError       string          `bun:"last_error"`
	WorkerID        string          `bun:"worker_id"`
	CancelRequested bool            `bun:"cancel_requested,notnull,default:false"`
	RunAt           time.Time       `bun:"run_at,notnull,default:current_timestamp"`
	CreatedAt       time.Time       `bun:"created_at,notnull,default:current_timestamp"`
	StartedAt       *time.Time      `bun:"started_at"`
	FinishedAt      *time.Time      `bun:"finished_at"`
	HeartbeatAt     *time.Time      `bun:"heartbeat_at"`
	UpdatedAt       time.Time       `bun:"updated_at,notnull,default:current_timestamp"`
	TimeoutNS       int64           `bun:"timeout_ns,notnull,default:0"`
}

func toJobModel(j *job.Job) (*jobModel, error) {
	m := &jobModel{
		ID:              j.ID.String(),
		Kind:            j.Kind,
		Payload:         j.Payload,
		State:           string(j.State),
		MaxAttempts:     j.MaxAttempts,
		AttemptCount:    j.AttemptCount,
		Result:          j.Result,
		LastError:       j.LastError,
		CancelRequested: j.CancelRequested,
		RunAt:           j.RunAt,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		HeartbeatAt:     j.HeartbeatAt,
		UpdatedAt:       j.UpdatedAt,
		TimeoutNS:       j.Timeout.Nanoseconds(),
	}
	if !j.WorkerID.IsNil() {
		m.WorkerID = j.WorkerID.String()
	}
	if j.Failure != nil {
		b, err := json.Marshal(j.Failure)
		if err != nil {
			return nil, fmt.Errorf("floq/bun: encode failure: %w", err)
		}
		m.Failure = b
	}
	return m, nil
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	jobID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("floq/bun: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		ID:              jobID,
		Kind:            m.Kind,
		Payload:         m.Payload,
		State:           job.State(m.State),
		MaxAttempts:     m.MaxAttempts,
		AttemptCount:    m.AttemptCount,
		Result:          m.Result,
		LastError:       m.LastError,
		CancelRequested: m.CancelRequested,
		RunAt:           m.RunAt,
		CreatedAt:       m.CreatedAt,
		StartedAt:       m.StartedAt,
		FinishedAt:      m.FinishedAt,
		HeartbeatAt:     m.HeartbeatAt,
		UpdatedAt:       m.UpdatedAt,
		Timeout:         time.Duration(m.TimeoutNS),
	}
	if m.WorkerID != "" {
		w, werr := id.ParseWorkerID(m.WorkerID)
		if werr != nil {
			return nil, fmt.Errorf("floq/bun: parse worker id %q: %w", m.WorkerID, werr)
		}
		j.WorkerID = w
	}
	if len(m.Failure) > 0 {
		var f job.Failure
		if err := json.Unmarshal(m.Failure, &f); err != nil {
			return nil, fmt.Errorf("floq/bun: decode failure: %w", err)
		}
		j.Failure = &f
	}
	return j, nil
}
