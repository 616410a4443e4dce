package sweeper_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	membroker "github.com/floqueue/floq/broker/memory"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
	memstore "github.com/floqueue/floq/store/memory"
	"github.com/floqueue/floq/sweeper"
)

func newSweeper(t *testing.T, opts ...sweeper.Option) (*sweeper.Sweeper, *memstore.Store, *membroker.Broker) {
	t.Helper()
	store := memstore.New()
	brk := membroker.New()
	t.Cleanup(func() { brk.Close() })

	opts = append([]sweeper.Option{
		sweeper.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		sweeper.WithStaleAfter(5 * time.Millisecond),
	}, opts...)
	return sweeper.New(store, brk, opts...), store, brk
}

func insertClaimed(t *testing.T, store *memstore.Store, maxAttempts, attempts int) *job.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	j := &job.Job{
		ID:          id.NewJobID(),
		Kind:        "test",
		State:       job.StatePending,
		MaxAttempts: maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.InsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < attempts; i++ {
		w := id.NewWorkerID()
		if _, err := store.ClaimJob(ctx, j.ID, w); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if i < attempts-1 {
			if err := store.RetryJob(ctx, j.ID, w, "stale", now); err != nil {
				t.Fatalf("retry %d: %v", i, err)
			}
		}
	}
	return j
}

func TestSweeper_ReleasesForRetry(t *testing.T) {
	sw, store, brk := newSweeper(t)
	ctx := context.Background()

	j := insertClaimed(t, store, 3, 1)
	time.Sleep(10 * time.Millisecond)

	if err := sw.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateRetrying {
		t.Errorf("state = %q, want retrying", got.State)
	}
	if !got.WorkerID.IsNil() {
		t.Errorf("worker = %v, want cleared", got.WorkerID)
	}

	// A fresh token was republished for the released job.
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := brk.Consume(cctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d.JobID != j.ID {
		t.Errorf("token = %v, want %v", d.JobID, j.ID)
	}
}

func TestSweeper_FailsWhenAttemptsExhausted(t *testing.T) {
	sw, store, brk := newSweeper(t)
	ctx := context.Background()

	j := insertClaimed(t, store, 2, 2)
	time.Sleep(10 * time.Millisecond)

	if err := sw.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := store.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("state = %q, want failed", got.State)
	}
	if got.Failure == nil || got.Failure.Kind != job.FailureTimeout {
		t.Errorf("failure = %+v, want timeout", got.Failure)
	}

	// No token for a terminally failed job.
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := brk.Consume(cctx); err == nil {
		t.Error("no token should be published for a failed job")
	}
}

func TestSweeper_SkipsFreshJobs(t *testing.T) {
	sw, store, _ := newSweeper(t, sweeper.WithStaleAfter(time.Hour))
	ctx := context.Background()

	j := insertClaimed(t, store, 3, 1)
	if err := sw.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := store.GetJob(ctx, j.ID)
	if got.State != job.StateRunning {
		t.Errorf("state = %q, fresh running job must be untouched", got.State)
	}
}

func TestSweeper_ReconcileRepublishesStuckPending(t *testing.T) {
	sw, store, brk := newSweeper(t, sweeper.WithReconcileAfter(5*time.Millisecond))
	ctx := context.Background()

	now := time.Now().UTC()
	j := &job.Job{
		ID:          id.NewJobID(),
		Kind:        "stuck",
		State:       job.StatePending,
		MaxAttempts: 3,
		RunAt:       now,
		CreatedAt:   now.Add(-time.Minute),
		UpdatedAt:   now,
	}
	if err := store.InsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := sw.ReconcileOnce(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := brk.Consume(cctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d.JobID != j.ID {
		t.Errorf("token = %v, want %v", d.JobID, j.ID)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	sw, store, _ := newSweeper(t, sweeper.WithInterval(5*time.Millisecond))
	ctx := context.Background()

	j := insertClaimed(t, store, 3, 1)
	time.Sleep(10 * time.Millisecond)

	if err := sw.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sw.Stop(ctx)

	// The periodic loop releases the stale job without manual triggering.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State == job.StateRetrying {
			if err := sw.Stop(ctx); err != nil {
				t.Fatalf("stop: %v", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("periodic sweep never released the stale job")
}
