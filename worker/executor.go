// Package worker provides the job execution engine: an Executor that
// turns one broker delivery into at most one effective execution, and a
// Pool that manages concurrent consumer goroutines with heartbeats.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/backoff"
	"github.com/floqueue/floq/broker"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
	"github.com/floqueue/floq/middleware"
)

// Executor processes a single delivery. The store's conditional claim is
// the idempotence gate: a redelivered token whose job already ran loses
// the claim and is acked without effect.
type Executor struct {
	registry *job.Registry
	store    job.Store
	broker   broker.Broker
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	store job.Store,
	brk broker.Broker,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		broker:   brk,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute claims the delivered job, runs it through the middleware chain,
// and writes exactly one terminal transition. It returns an error only for
// infrastructure failures; handler errors are absorbed into the job record.
func (e *Executor) Execute(ctx context.Context, d *broker.Delivery, workerID id.WorkerID) error {
	j, err := e.store.ClaimJob(ctx, d.JobID, workerID)
	switch {
	case errors.Is(err, floq.ErrClaimConflict):
		// Redelivery of a job another claim already won. Dropping the
		// token is the whole point of claim-gated execution.
		e.logger.Debug("dropping duplicate delivery", slog.String("job_id", d.JobID.String()))
		return e.broker.Ack(ctx, d)
	case errors.Is(err, floq.ErrJobNotFound):
		e.logger.Warn("delivery references unknown job", slog.String("job_id", d.JobID.String()))
		return e.broker.Ack(ctx, d)
	case err != nil:
		// The claim never happened; let the token redeliver.
		if nackErr := e.broker.Nack(ctx, d); nackErr != nil {
			e.logger.Error("nack failed", slog.String("job_id", d.JobID.String()), slog.String("error", nackErr.Error()))
		}
		return fmt.Errorf("claim job %s: %w", d.JobID, err)
	}

	if j.CancelRequested {
		return e.finishFailed(ctx, d, j, &job.Failure{
			Kind:    job.FailureCanceled,
			Message: "cancel requested",
			Attempt: j.AttemptCount,
		})
	}

	handler, ok := e.registry.Get(j.Kind)
	if !ok {
		// No amount of retrying will register the handler on this job's
		// record; fail it so it does not ping-pong between workers.
		e.logger.Error("no handler registered", slog.String("job_kind", j.Kind), slog.String("job_id", j.ID.String()))
		return e.finishFailed(ctx, d, j, &job.Failure{
			Kind:    job.FailureFatal,
			Message: fmt.Sprintf("%v: %s", floq.ErrNoHandler, j.Kind),
			Attempt: j.AttemptCount,
		})
	}

	var result []byte
	terminal := func(ctx context.Context) error {
		out, herr := handler(ctx, j.Payload)
		if herr != nil {
			return herr
		}
		result = out
		return nil
	}

	execErr := e.mw(ctx, j, terminal)
	if execErr == nil {
		return e.finishSucceeded(ctx, d, j, result)
	}
	return e.handleFailure(ctx, d, j, execErr)
}

// finishSucceeded writes the succeeded transition and acks the delivery.
func (e *Executor) finishSucceeded(ctx context.Context, d *broker.Delivery, j *job.Job, result []byte) error {
	err := e.store.CompleteJob(ctx, j.ID, j.WorkerID, result)
	return e.afterTerminal(ctx, d, j, err, "complete")
}

// finishFailed writes the failed transition and acks the delivery.
func (e *Executor) finishFailed(ctx context.Context, d *broker.Delivery, j *job.Job, f *job.Failure) error {
	err := e.store.FailJob(ctx, j.ID, j.WorkerID, f)
	return e.afterTerminal(ctx, d, j, err, "fail")
}

// handleFailure decides between a terminal failure and a retry. Fatal
// errors fail immediately; retryable errors fail once attempts run out.
func (e *Executor) handleFailure(ctx context.Context, d *broker.Delivery, j *job.Job, execErr error) error {
	if job.IsFatal(execErr) {
		return e.finishFailed(ctx, d, j, &job.Failure{
			Kind:    job.FailureFatal,
			Message: execErr.Error(),
			Attempt: j.AttemptCount,
		})
	}
	if !j.AttemptsLeft() {
		kind := job.FailureRetryable
		if errors.Is(execErr, context.DeadlineExceeded) {
			kind = job.FailureTimeout
		}
		return e.finishFailed(ctx, d, j, &job.Failure{
			Kind:    kind,
			Message: execErr.Error(),
			Attempt: j.AttemptCount,
		})
	}
	return e.scheduleRetry(ctx, d, j, execErr)
}

// scheduleRetry records the retrying transition, republishes the token
// with backoff delay, and acks the original delivery. The store write
// comes first so a crash between the two steps loses only the new token,
// which the sweep recovers, never the state.
func (e *Executor) scheduleRetry(ctx context.Context, d *broker.Delivery, j *job.Job, execErr error) error {
	delay := e.backoff.Delay(j.AttemptCount)
	nextRunAt := time.Now().UTC().Add(delay)

	err := e.store.RetryJob(ctx, j.ID, j.WorkerID, execErr.Error(), nextRunAt)
	switch {
	case errors.Is(err, floq.ErrClaimConflict):
		// Ownership lost, most likely to the sweeper, which also
		// republishes. Nothing left for this delivery to do.
		e.logger.Warn("lost ownership before retry", slog.String("job_id", j.ID.String()))
		return e.broker.Ack(ctx, d)
	case err != nil:
		if nackErr := e.broker.Nack(ctx, d); nackErr != nil {
			e.logger.Error("nack failed", slog.String("job_id", j.ID.String()), slog.String("error", nackErr.Error()))
		}
		return fmt.Errorf("retry job %s: %w", j.ID, err)
	}

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_kind", j.Kind),
		slog.Int("attempt", j.AttemptCount),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)

	if pubErr := e.broker.Publish(ctx, j.ID, delay); pubErr != nil {
		// The job is durably retrying. Nack the current token instead of
		// acking it so redelivery re-claims the job; the backoff delay is
		// sacrificed, the attempt is not.
		e.logger.Error("republish failed, recycling delivery",
			slog.String("job_id", j.ID.String()),
			slog.String("error", pubErr.Error()),
		)
		return e.broker.Nack(ctx, d)
	}
	return e.broker.Ack(ctx, d)
}

// afterTerminal translates the result of a terminal store write into the
// delivery's fate.
func (e *Executor) afterTerminal(ctx context.Context, d *broker.Delivery, j *job.Job, err error, op string) error {
	switch {
	case err == nil:
		return e.broker.Ack(ctx, d)
	case errors.Is(err, floq.ErrClaimConflict):
		// The sweeper released the job mid-flight and something else now
		// owns the record. The authoritative state is theirs.
		e.logger.Warn("lost ownership before terminal update",
			slog.String("job_id", j.ID.String()),
			slog.String("op", op),
		)
		return e.broker.Ack(ctx, d)
	default:
		if nackErr := e.broker.Nack(ctx, d); nackErr != nil {
			e.logger.Error("nack failed", slog.String("job_id", j.ID.String()), slog.String("error", nackErr.Error()))
		}
		return fmt.Errorf("%s job %s: %w", op, j.ID, err)
	}
}
