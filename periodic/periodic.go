// Package periodic submits jobs on a cron schedule. Each entry turns a
// schedule expression into recurring submissions through the dispatcher,
// so scheduled work flows through the same durable pipeline as ad-hoc
// submissions.
package periodic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/floqueue/floq/dispatcher"
	"github.com/floqueue/floq/job"
)

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithSubmitTimeout bounds each scheduled submission. Default 10s.
func WithSubmitTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.submitTimeout = d }
}

// Scheduler runs cron entries that submit jobs.
type Scheduler struct {
	disp          *dispatcher.Dispatcher
	cron          *cron.Cron
	logger        *slog.Logger
	submitTimeout time.Duration

	mu      sync.Mutex
	running bool
}

// New creates a Scheduler. Schedules use the standard five-field cron
// syntax plus the @every and @hourly style descriptors.
func New(disp *dispatcher.Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		disp:          disp,
		cron:          cron.New(),
		logger:        slog.Default(),
		submitTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds a recurring submission of the given kind and payload.
// The payload is re-encoded on every firing, so a mutable payload value
// reflects its state at submission time.
func (s *Scheduler) Register(spec, kind string, payload any, opts ...job.Option) (cron.EntryID, error) {
	entryID, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.submitTimeout)
		defer cancel()

		jobID, err := s.disp.Submit(ctx, kind, payload, opts...)
		if err != nil {
			s.logger.Error("scheduled submission failed",
				slog.String("job_kind", kind),
				slog.String("schedule", spec),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Info("scheduled job submitted",
			slog.String("job_kind", kind),
			slog.String("job_id", jobID.String()),
			slog.String("schedule", spec),
		)
	})
	if err != nil {
		return 0, fmt.Errorf("floq/periodic: register %q for kind %q: %w", spec, kind, err)
	}
	return entryID, nil
}

// Remove deletes a registered entry.
func (s *Scheduler) Remove(entryID cron.EntryID) {
	s.cron.Remove(entryID)
}

// Start begins firing schedules. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("periodic scheduler started", slog.Int("entries", len(s.cron.Entries())))
	return nil
}

// Stop halts the schedules and waits for in-flight submissions.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("periodic scheduler stopped")
	return nil
}
