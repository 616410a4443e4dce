package dispatcher_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/floqueue/floq"
	membroker "github.com/floqueue/floq/broker/memory"
	"github.com/floqueue/floq/dispatcher"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
	memstore "github.com/floqueue/floq/store/memory"
)

func newDispatcher(t *testing.T) (*dispatcher.Dispatcher, *memstore.Store, *membroker.Broker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	brk := membroker.New()
	t.Cleanup(func() { brk.Close() })

	reg := job.NewRegistry()
	job.RegisterDefinition(reg, job.NewDefinition("known",
		func(_ context.Context, s string) (string, error) { return s, nil },
		job.WithMaxAttempts(5),
	))
	return dispatcher.New(store, brk, reg, dispatcher.WithLogger(logger)), store, brk
}

func TestDispatcher_SubmitRecordsBeforePublish(t *testing.T) {
	d, store, brk := newDispatcher(t)
	ctx := context.Background()

	jobID, err := d.Submit(ctx, "known", "hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The record must be durable and pending before any consumption.
	j, err := store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != job.StatePending {
		t.Errorf("state = %q, want pending", j.State)
	}
	if j.Kind != "known" {
		t.Errorf("kind = %q", j.Kind)
	}
	if string(j.Payload) != `"hello"` {
		t.Errorf("payload = %q", j.Payload)
	}
	if j.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5 from registry options", j.MaxAttempts)
	}

	// Exactly one token was published.
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	delivery, err := brk.Consume(cctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if delivery.JobID != jobID {
		t.Errorf("token = %v, want %v", delivery.JobID, jobID)
	}
}

func TestDispatcher_SubmitUnknownKindUsesDefaults(t *testing.T) {
	d, store, _ := newDispatcher(t)
	ctx := context.Background()

	jobID, err := d.Submit(ctx, "unregistered", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	j, _ := store.GetJob(ctx, jobID)
	if j.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want default 3", j.MaxAttempts)
	}
}

func TestDispatcher_SubmitRawPayload(t *testing.T) {
	d, store, _ := newDispatcher(t)
	ctx := context.Background()

	raw := []byte(`{"pre":"encoded"}`)
	jobID, err := d.Submit(ctx, "known", raw)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	j, _ := store.GetJob(ctx, jobID)
	if string(j.Payload) != string(raw) {
		t.Errorf("payload = %q, want raw bytes untouched", j.Payload)
	}
}

func TestDispatcher_SubmitPublishFailureKeepsJob(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	brk := membroker.New()
	brk.Close() // every publish will fail

	d := dispatcher.New(store, brk, job.NewRegistry(), dispatcher.WithLogger(logger))

	jobID, err := d.Submit(context.Background(), "known", nil)
	if err != nil {
		t.Fatalf("submit with dead broker should still accept: %v", err)
	}

	j, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != job.StatePending {
		t.Errorf("state = %q, want pending awaiting reconciliation", j.State)
	}
}

func TestDispatcher_SubmitDelayed(t *testing.T) {
	d, store, brk := newDispatcher(t)
	ctx := context.Background()

	runAt := time.Now().Add(50 * time.Millisecond)
	jobID, err := d.Submit(ctx, "known", "later", job.WithRunAt(runAt))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	j, _ := store.GetJob(ctx, jobID)
	if !j.RunAt.Equal(runAt.UTC()) && !j.RunAt.Equal(runAt) {
		t.Errorf("run at = %v, want %v", j.RunAt, runAt)
	}

	// The token is withheld until the delay elapses.
	early, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := brk.Consume(early); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("early consume should time out, got %v", err)
	}

	late, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	delivery, err := brk.Consume(late)
	if err != nil {
		t.Fatalf("consume after delay: %v", err)
	}
	if delivery.JobID != jobID {
		t.Errorf("token = %v, want %v", delivery.JobID, jobID)
	}
}

func TestDispatcher_StatusAndCancel(t *testing.T) {
	d, store, _ := newDispatcher(t)
	ctx := context.Background()

	jobID, err := d.Submit(ctx, "known", "x")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	j, err := d.Status(ctx, jobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if j.ID != jobID {
		t.Errorf("status ID = %v, want %v", j.ID, jobID)
	}

	if _, err := d.Status(ctx, id.NewJobID()); !errors.Is(err, floq.ErrJobNotFound) {
		t.Errorf("status of unknown job = %v, want ErrJobNotFound", err)
	}

	if err := d.Cancel(ctx, jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	j, _ = store.GetJob(ctx, jobID)
	if !j.CancelRequested {
		t.Error("cancel flag should be set")
	}
}

func TestDispatcher_Stats(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.Submit(ctx, "known", i); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	stats, err := d.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[job.StatePending] != 3 {
		t.Errorf("pending = %d, want 3", stats[job.StatePending])
	}
	if stats[job.StateSucceeded] != 0 {
		t.Errorf("succeeded = %d, want 0", stats[job.StateSucceeded])
	}
}
