package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/broker"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
)

// Limiter throttles execution per job kind. The pool calls Acquire before
// executing a delivery and Release afterwards.
type Limiter interface {
	Acquire(kind string) bool
	Release(kind string)
}

// Pool runs a set of consumer goroutines that pull deliveries from the
// broker and execute them, plus a heartbeat goroutine that keeps the
// store's liveness marker fresh for every active job.
type Pool struct {
	store    job.Store
	broker   broker.Broker
	executor *Executor
	workerID id.WorkerID
	logger   *slog.Logger

	concurrency       int
	heartbeatInterval time.Duration
	retryDelay        time.Duration
	limiter           Limiter

	stopCh  chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool

	activeMu   sync.Mutex
	activeJobs map[id.JobID]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of consumer goroutines. Default 10.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithHeartbeatInterval sets how often the pool refreshes heartbeats for
// active jobs. Zero disables heartbeats. Default 10s.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithRetryDelay sets how long a consumer backs off after a broker or
// store infrastructure error. Default 1s.
func WithRetryDelay(d time.Duration) PoolOption {
	return func(p *Pool) { p.retryDelay = d }
}

// WithLimiter sets the per-kind execution limiter.
func WithLimiter(l Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// NewPool creates a worker pool.
func NewPool(store job.Store, brk broker.Broker, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:             store,
		broker:            brk,
		executor:          executor,
		workerID:          id.NewWorkerID(),
		logger:            logger,
		concurrency:       10,
		heartbeatInterval: 10 * time.Second,
		retryDelay:        time.Second,
		stopCh:            make(chan struct{}),
		activeJobs:        make(map[id.JobID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the consumer goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.baseCtx, p.cancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.consumeLoop()
	}
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	return nil
}

// Stop signals all consumers to stop and waits for in-flight jobs. When
// the context expires first, active job contexts are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}
	return nil
}

// consumeLoop is run by each consumer goroutine.
func (p *Pool) consumeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		d, err := p.broker.Consume(p.baseCtx)
		if err != nil {
			if errors.Is(err, floq.ErrBrokerClosed) || errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("consume error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		p.handleDelivery(d)
	}
}

// handleDelivery applies the limiter and runs one delivery end to end.
func (p *Pool) handleDelivery(d *broker.Delivery) {
	kind := ""
	if p.limiter != nil {
		// The limiter needs the kind before the claim increments the
		// attempt counter, so peek at the record first.
		j, err := p.store.GetJob(p.baseCtx, d.JobID)
		if err != nil {
			if errors.Is(err, floq.ErrJobNotFound) {
				p.logger.Warn("delivery references unknown job", slog.String("job_id", d.JobID.String()))
				p.ack(d)
				return
			}
			p.logger.Error("lookup before limit check failed",
				slog.String("job_id", d.JobID.String()),
				slog.String("error", err.Error()),
			)
			p.nack(d)
			p.sleep()
			return
		}
		kind = j.Kind
		if !p.limiter.Acquire(kind) {
			p.nack(d)
			p.sleep()
			return
		}
		defer p.limiter.Release(kind)
	}

	ctx, cancel := context.WithCancel(p.baseCtx)
	p.trackJob(d.JobID, cancel)
	defer func() {
		p.untrackJob(d.JobID)
		cancel()
	}()

	if err := p.executor.Execute(ctx, d, p.workerID); err != nil {
		p.logger.Error("delivery processing failed",
			slog.String("job_id", d.JobID.String()),
			slog.String("error", err.Error()),
		)
		p.sleep()
	}
}

// heartbeatLoop periodically refreshes heartbeats for all active jobs.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	jobIDs := make([]id.JobID, 0, len(p.activeJobs))
	for jobID := range p.activeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	p.activeMu.Unlock()

	for _, jobID := range jobIDs {
		if err := p.store.HeartbeatJob(p.baseCtx, jobID, p.workerID); err != nil {
			// Conflicts are expected when the job finished or was swept
			// between the snapshot and the write.
			p.logger.Debug("heartbeat not applied",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pool) ack(d *broker.Delivery) {
	if err := p.broker.Ack(p.baseCtx, d); err != nil {
		p.logger.Error("ack failed", slog.String("job_id", d.JobID.String()), slog.String("error", err.Error()))
	}
}

func (p *Pool) nack(d *broker.Delivery) {
	if err := p.broker.Nack(p.baseCtx, d); err != nil {
		p.logger.Error("nack failed", slog.String("job_id", d.JobID.String()), slog.String("error", err.Error()))
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.retryDelay):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID id.JobID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID id.JobID) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID.String()))
		cancel()
	}
}
