// Package dispatcher accepts job submissions and exposes status queries.
// A submission is durably recorded in the store before its token is
// published to the broker; an accepted submission is never lost even if
// the publish fails, because the reconciliation sweep republishes it.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/floqueue/floq/broker"
	"github.com/floqueue/floq/codec"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
)

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDefaultOptions sets the options applied to kinds the registry does
// not know. Defaults to job.DefaultOptions.
func WithDefaultOptions(o job.Options) Option {
	return func(d *Dispatcher) { d.defaults = o }
}

// Dispatcher is the submission front of the system.
type Dispatcher struct {
	store    job.Store
	broker   broker.Broker
	registry *job.Registry
	logger   *slog.Logger
	defaults job.Options
}

// New creates a Dispatcher.
func New(store job.Store, brk broker.Broker, registry *job.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		broker:   brk,
		registry: registry,
		logger:   slog.Default(),
		defaults: job.DefaultOptions(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Submit records a new pending job and publishes its delivery token,
// returning the job ID. The payload is serialized with the kind's codec:
// a []byte passes through untouched, anything else is marshaled.
//
// The store write happens first. If it fails the submission fails and
// nothing is published; if only the publish fails the job stays pending
// and the sweep's reconciliation pass republishes it, so the returned ID
// is still a durable accepted submission.
func (d *Dispatcher) Submit(ctx context.Context, kind string, payload any, opts ...job.Option) (id.JobID, error) {
	o := d.defaults
	if regOpts, ok := d.registry.Options(kind); ok {
		o = regOpts
		if o.MaxAttempts <= 0 {
			o.MaxAttempts = d.defaults.MaxAttempts
		}
	}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := encodePayload(payload, o.Codec)
	if err != nil {
		return id.JobID{}, fmt.Errorf("floq/dispatcher: encode payload for kind %q: %w", kind, err)
	}

	now := time.Now().UTC()
	runAt := o.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	j := &job.Job{
		ID:          id.NewJobID(),
		Kind:        kind,
		Payload:     raw,
		State:       job.StatePending,
		MaxAttempts: o.MaxAttempts,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		Timeout:     o.Timeout,
	}

	if err := d.store.InsertJob(ctx, j); err != nil {
		return id.JobID{}, fmt.Errorf("floq/dispatcher: record submission: %w", err)
	}

	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	if err := d.broker.Publish(ctx, j.ID, delay); err != nil {
		// The job is durably pending; reconciliation will republish it.
		d.logger.Warn("publish after submit failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_kind", kind),
			slog.String("error", err.Error()),
		)
		return j.ID, nil
	}

	d.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("job_kind", kind),
	)
	return j.ID, nil
}

// Status returns the authoritative record for a job.
func (d *Dispatcher) Status(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return d.store.GetJob(ctx, jobID)
}

// Cancel requests cooperative cancellation of a job. Workers observe the
// flag between claim and execution; a job already running to completion
// is not interrupted.
func (d *Dispatcher) Cancel(ctx context.Context, jobID id.JobID) error {
	return d.store.RequestCancel(ctx, jobID)
}

// List returns jobs in the given state.
func (d *Dispatcher) List(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	return d.store.ListJobsByState(ctx, state, opts)
}

// Stats returns the number of jobs per state.
func (d *Dispatcher) Stats(ctx context.Context) (map[job.State]int64, error) {
	states := []job.State{
		job.StatePending, job.StateRunning, job.StateSucceeded,
		job.StateFailed, job.StateRetrying,
	}
	out := make(map[job.State]int64, len(states))
	for _, st := range states {
		n, err := d.store.CountJobs(ctx, job.CountOpts{State: st})
		if err != nil {
			return nil, fmt.Errorf("floq/dispatcher: count %s jobs: %w", st, err)
		}
		out[st] = n
	}
	return out, nil
}

func encodePayload(payload any, c codec.Codec) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.([]byte); ok {
		return raw, nil
	}
	if c == nil {
		c = codec.JSON{}
	}
	return c.Marshal(payload)
}
