package mongo

import (
	"fmt"
	"time"

	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
)

type failureModel struct {
	Kind    string `bson:"kind"`
	Message string `bson:"message"`
	Attempt int    `bson:"attempt"`
}

type jobModel struct {
	ID              string        `bson:"_id"`
	Kind            string        `bson:"kind"`
	Payload         []byte        `bson:"payload"`
	State           string        `bson:"state"`
	MaxAttempts     int           `bson:"max_attempts"`
	AttemptCount    int           `bson:"attempt_count"`
	Result          []byte        `bson:"result,omitempty"`
	Failure         *failureModel `bson:"failure,omitempty"`
	LastError       string        `bson:"last_error,omitempty"`
	WorkerID        string        `bson:"worker_id,omitempty"`
	CancelRequested bool          `bson:"cancel_requested"`
	RunAt           time.Time     `bson:"run_at"`
	CreatedAt       time.Time     `bson:"created_at"`
	StartedAt       *time.Time    `bson:"started_at,omitempty"`
	FinishedAt      *time.Time    `bson:"finished_at,omitempty"`
	HeartbeatAt     *time.Time    `bson:"heartbeat_at,omitempty"`
	UpdatedAt       time.Time     `bson:"updated_at"`
	TimeoutNS       int64         `bson:"timeout"`
}

func toJobModel(j *job.Job) *jobModel {
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
		m.Failure = &failureModel{
			Kind:    string(j.Failure.Kind),
			Message: j.Failure.Message,
			Attempt: j.Failure.Attempt,
		}
	}
	return m
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	jobID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("floq/mongo: parse job id %q: %w", m.ID, err)
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
			return nil, fmt.Errorf("floq/mongo: parse worker id %q: %w", m.WorkerID, werr)
		}
		j.WorkerID = w
	}
	if m.Failure != nil {
		j.Failure = &job.Failure{
			Kind:    job.FailureKind(m.Failure.Kind),
			Message: m.Failure.Message,
			Attempt: m.Failure.Attempt,
		}
	}
	return j, nil
}
