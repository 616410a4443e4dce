// Package sweeper recovers jobs abandoned by crashed or hung workers. It
// periodically scans for running jobs whose heartbeat has gone stale and
// releases them: back to retrying with a fresh token when attempts remain,
// to failed otherwise. An optional reconciliation pass republishes pending
// jobs whose token was lost between the store write and the publish.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/broker"
	"github.com/floqueue/floq/job"
)

// Option configures the Sweeper.
type Option func(*Sweeper)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithStaleAfter sets how long a running job may go without a heartbeat
// before it is presumed abandoned. Default 30s.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) { s.staleAfter = d }
}

// WithInterval sets how often the sweep runs. Default 15s.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithReconcileAfter enables the reconciliation pass: pending jobs older
// than d get their token republished. Zero (the default) disables it.
func WithReconcileAfter(d time.Duration) Option {
	return func(s *Sweeper) { s.reconcileAfter = d }
}

// WithReconcileLimit caps how many pending jobs one reconciliation pass
// republishes. Default 100.
func WithReconcileLimit(n int) Option {
	return func(s *Sweeper) { s.reconcileLimit = n }
}

// Sweeper releases stale running jobs and optionally republishes stuck
// pending ones.
type Sweeper struct {
	store  job.Store
	broker broker.Broker
	logger *slog.Logger

	staleAfter     time.Duration
	interval       time.Duration
	reconcileAfter time.Duration
	reconcileLimit int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a Sweeper.
func New(store job.Store, brk broker.Broker, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:          store,
		broker:         brk,
		logger:         slog.Default(),
		staleAfter:     30 * time.Second,
		interval:       15 * time.Second,
		reconcileLimit: 100,
		stopCh:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the periodic sweep. It returns immediately.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	s.logger.Info("sweeper starting",
		slog.Duration("stale_after", s.staleAfter),
		slog.Duration("interval", s.interval),
	)

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the periodic sweep and waits for an in-flight pass.
func (s *Sweeper) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx := context.Background()
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
			if s.reconcileAfter > 0 {
				if err := s.ReconcileOnce(ctx); err != nil {
					s.logger.Error("reconcile failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// SweepOnce runs one stale-job pass. Each release re-checks the staleness
// condition atomically, so a worker that heartbeats or finishes between
// the scan and the release keeps the job.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	stale, err := s.store.StaleRunningJobs(ctx, s.staleAfter)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.staleAfter)

	for _, j := range stale {
		if j.AttemptsLeft() {
			s.releaseForRetry(ctx, j, cutoff)
		} else {
			s.releaseAsFailed(ctx, j, cutoff)
		}
	}
	return nil
}

func (s *Sweeper) releaseForRetry(ctx context.Context, j *job.Job, cutoff time.Time) {
	err := s.store.ReleaseStaleJob(ctx, j.ID, job.StateRetrying, cutoff)
	if err != nil {
		if !errors.Is(err, floq.ErrClaimConflict) {
			s.logger.Error("release stale job failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	s.logger.Info("released stale job for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_kind", j.Kind),
		slog.Int("attempt", j.AttemptCount),
	)

	if err := s.broker.Publish(ctx, j.ID, 0); err != nil {
		// The job is durably retrying; the next reconcile-capable path is
		// another sweep seeing it claimable with a lost token. Log loudly.
		s.logger.Error("republish released job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Sweeper) releaseAsFailed(ctx context.Context, j *job.Job, cutoff time.Time) {
	err := s.store.ReleaseStaleJob(ctx, j.ID, job.StateFailed, cutoff)
	if err != nil {
		if !errors.Is(err, floq.ErrClaimConflict) {
			s.logger.Error("release stale job failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	s.logger.Warn("stale job failed with no attempts left",
		slog.String("job_id", j.ID.String()),
		slog.String("job_kind", j.Kind),
		slog.Int("attempt", j.AttemptCount),
	)
}

// ReconcileOnce republishes tokens for pending jobs older than the
// reconcile threshold. Publishing a second token for a job whose original
// is still in flight is harmless: the duplicate loses the claim.
func (s *Sweeper) ReconcileOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.reconcileAfter)
	pending, err := s.store.PendingJobsBefore(ctx, cutoff, s.reconcileLimit)
	if err != nil {
		return err
	}

	for _, j := range pending {
		delay := time.Until(j.RunAt)
		if delay < 0 {
			delay = 0
		}
		if err := s.broker.Publish(ctx, j.ID, delay); err != nil {
			s.logger.Error("reconcile republish failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("republished stuck pending job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_kind", j.Kind),
		)
	}
	return nil
}
