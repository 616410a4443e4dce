package periodic_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	membroker "github.com/floqueue/floq/broker/memory"
	"github.com/floqueue/floq/dispatcher"
	"github.com/floqueue/floq/job"
	"github.com/floqueue/floq/periodic"
	memstore "github.com/floqueue/floq/store/memory"
)

func newScheduler(t *testing.T) (*periodic.Scheduler, *memstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	brk := membroker.New()
	t.Cleanup(func() { brk.Close() })

	disp := dispatcher.New(store, brk, job.NewRegistry(), dispatcher.WithLogger(logger))
	return periodic.New(disp, periodic.WithLogger(logger)), store
}

func TestScheduler_SubmitsOnSchedule(t *testing.T) {
	s, store := newScheduler(t)
	ctx := context.Background()

	if _, err := s.Register("@every 50ms", "tick", map[string]string{"source": "cron"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n, err := store.CountJobs(ctx, job.CountOpts{Kind: "tick"})
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n >= 2 {
			jobs, err := store.ListJobsByState(ctx, job.StatePending, job.ListOpts{Kind: "tick", Limit: 1})
			if err != nil || len(jobs) == 0 {
				t.Fatalf("list: %v (%d jobs)", err, len(jobs))
			}
			if string(jobs[0].Payload) != `{"source":"cron"}` {
				t.Errorf("payload = %q", jobs[0].Payload)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduler never fired twice")
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s, _ := newScheduler(t)
	if _, err := s.Register("not a schedule", "tick", nil); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestScheduler_RemoveStopsFiring(t *testing.T) {
	s, store := newScheduler(t)
	ctx := context.Background()

	entryID, err := s.Register("@every 20ms", "tock", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(ctx)

	time.Sleep(50 * time.Millisecond)
	s.Remove(entryID)
	time.Sleep(30 * time.Millisecond)

	before, err := store.CountJobs(ctx, job.CountOpts{Kind: "tock"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	after, err := store.CountJobs(ctx, job.CountOpts{Kind: "tock"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if after != before {
		t.Errorf("entries fired after removal: %d -> %d", before, after)
	}
}
