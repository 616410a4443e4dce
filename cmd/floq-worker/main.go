// Command floq-worker runs a worker pool and sweeper against the
// configured store and broker. Job kinds are registered in registerJobs;
// deployments embed their own handlers there.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/floqueue/floq/backoff"
	"github.com/floqueue/floq/config"
	"github.com/floqueue/floq/dispatcher"
	"github.com/floqueue/floq/internal/boot"
	"github.com/floqueue/floq/job"
	"github.com/floqueue/floq/middleware"
	"github.com/floqueue/floq/periodic"
	"github.com/floqueue/floq/sweeper"
	"github.com/floqueue/floq/worker"
)

func registerJobs(reg *job.Registry) {
	// Built-in smoke-test kind; returns its payload unchanged.
	job.RegisterDefinition(reg, job.NewDefinition("echo",
		func(_ context.Context, s string) (string, error) { return s, nil },
	))
}

// registerSchedules adds recurring submissions. Deployments add their cron
// entries here, e.g. sched.Register("@hourly", "report.rollup", nil).
func registerSchedules(_ *periodic.Scheduler) {}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("floq-worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := boot.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore(context.Background())

	brk, closeBroker, err := boot.OpenBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBroker(context.Background())

	// A broker with a processing list may hold tokens from a crashed
	// worker; requeue them before consuming.
	if rp, ok := brk.(interface {
		RecoverPending(context.Context) (int, error)
	}); ok {
		n, err := rp.RecoverPending(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("requeued orphaned deliveries", slog.Int("count", n))
		}
	}

	reg := job.NewRegistry()
	registerJobs(reg)

	executor := worker.NewExecutor(reg, store, brk, backoff.Default(), logger,
		middleware.Recover(logger),
		middleware.Logging(logger),
		middleware.Metrics(),
		middleware.Timeout(),
	)
	pool := worker.NewPool(store, brk, executor, logger,
		worker.WithConcurrency(cfg.WorkerConcurrency),
		worker.WithHeartbeatInterval(cfg.HeartbeatInterval),
	)
	sched := periodic.New(dispatcher.New(store, brk, reg, dispatcher.WithLogger(logger)),
		periodic.WithLogger(logger),
	)
	registerSchedules(sched)
	swp := sweeper.New(store, brk,
		sweeper.WithLogger(logger),
		sweeper.WithStaleAfter(cfg.StaleAfter),
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithReconcileAfter(cfg.ReconcileAfter),
	)

	if err := pool.Start(ctx); err != nil {
		return err
	}
	if err := swp.Start(ctx); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info("worker running",
		slog.String("worker_id", pool.WorkerID().String()),
		slog.String("store", cfg.Store),
		slog.String("broker", cfg.Broker),
	)

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", slog.String("error", err.Error()))
	}
	if err := swp.Stop(shutdownCtx); err != nil {
		logger.Warn("sweeper stop", slog.String("error", err.Error()))
	}
	return pool.Stop(shutdownCtx)
}
