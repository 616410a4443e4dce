package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
	sqlitestore "github.com/floqueue/floq/store/sqlite"
)

// openTestStore opens a throwaway in-memory database shared across the
// pool's connections.
func openTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := sqlitestore.New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func newJob() *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:          id.NewJobID(),
		Kind:        "test",
		Payload:     []byte(`{"n":1}`),
		State:       job.StatePending,
		MaxAttempts: 3,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStore_InsertGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := newJob()

	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertJob(ctx, j); !errors.Is(err, floq.ErrJobExists) {
		t.Errorf("duplicate insert = %v, want ErrJobExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != j.ID || got.Kind != j.Kind || got.State != job.StatePending {
		t.Errorf("got %+v, want pending %v", got, j.ID)
	}
	if string(got.Payload) != `{"n":1}` {
		t.Errorf("payload = %q", got.Payload)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", got.MaxAttempts)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, floq.ErrJobNotFound) {
		t.Errorf("get missing = %v, want ErrJobNotFound", err)
	}
}

func TestStore_ClaimLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := newJob()
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := id.NewWorkerID()
	claimed, err := s.ClaimJob(ctx, j.ID, w)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.State != job.StateRunning || claimed.AttemptCount != 1 {
		t.Errorf("claimed = %q attempt %d, want running attempt 1", claimed.State, claimed.AttemptCount)
	}
	if claimed.WorkerID != w {
		t.Errorf("worker = %v, want %v", claimed.WorkerID, w)
	}
	if claimed.StartedAt == nil || claimed.HeartbeatAt == nil {
		t.Error("StartedAt and HeartbeatAt should be set")
	}

	// Second claim on a running job loses.
	if _, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID()); !errors.Is(err, floq.ErrClaimConflict) {
		t.Errorf("claim running = %v, want ErrClaimConflict", err)
	}

	if err := s.CompleteJob(ctx, j.ID, w, []byte(`"done"`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateSucceeded {
		t.Errorf("state = %q, want succeeded", got.State)
	}
	if string(got.Result) != `"done"` {
		t.Errorf("result = %q", got.Result)
	}

	// Redelivered tokens cannot re-claim a terminal job.
	if _, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID()); !errors.Is(err, floq.ErrClaimConflict) {
		t.Errorf("claim succeeded job = %v, want ErrClaimConflict", err)
	}
}

func TestStore_RetryThenReclaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := newJob()
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := id.NewWorkerID()
	if _, err := s.ClaimJob(ctx, j.ID, w); err != nil {
		t.Fatalf("claim: %v", err)
	}

	next := time.Now().Add(time.Second)
	if err := s.RetryJob(ctx, j.ID, w, "transient", next); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateRetrying {
		t.Errorf("state = %q, want retrying", got.State)
	}
	if got.LastError != "transient" {
		t.Errorf("last error = %q", got.LastError)
	}
	if !got.WorkerID.IsNil() {
		t.Errorf("worker = %v, want cleared", got.WorkerID)
	}

	// The old owner cannot write a terminal result anymore.
	if err := s.CompleteJob(ctx, j.ID, w, nil); !errors.Is(err, floq.ErrClaimConflict) {
		t.Errorf("stale complete = %v, want ErrClaimConflict", err)
	}

	claimed, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if claimed.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", claimed.AttemptCount)
	}
	if claimed.StartedAt == nil {
		t.Fatal("StartedAt missing")
	}
}

func TestStore_FailJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := newJob()
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := id.NewWorkerID()
	if _, err := s.ClaimJob(ctx, j.ID, w); err != nil {
		t.Fatalf("claim: %v", err)
	}

	f := &job.Failure{Kind: job.FailureFatal, Message: "bad input", Attempt: 1}
	if err := s.FailJob(ctx, j.ID, w, f); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("state = %q, want failed", got.State)
	}
	if got.Failure == nil || got.Failure.Kind != job.FailureFatal || got.Failure.Attempt != 1 {
		t.Errorf("failure = %+v", got.Failure)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt should be set")
	}
}

func TestStore_StaleReleaseRaceWithHeartbeat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := newJob()
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := id.NewWorkerID()
	if _, err := s.ClaimJob(ctx, j.ID, w); err != nil {
		t.Fatalf("claim: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	stale, err := s.StaleRunningJobs(ctx, 0)
	if err != nil {
		t.Fatalf("stale scan: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale = %d, want 1", len(stale))
	}
	cutoff := time.Now()

	// The worker heartbeats between the scan and the release; the release
	// must lose its condition check.
	if err := s.HeartbeatJob(ctx, j.ID, w); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := s.ReleaseStaleJob(ctx, j.ID, job.StateRetrying, cutoff); !errors.Is(err, floq.ErrClaimConflict) {
		t.Errorf("release after heartbeat = %v, want ErrClaimConflict", err)
	}

	// Without the heartbeat the release wins.
	time.Sleep(5 * time.Millisecond)
	if err := s.ReleaseStaleJob(ctx, j.ID, job.StateRetrying, time.Now()); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateRetrying {
		t.Errorf("state = %q, want retrying", got.State)
	}
}

func TestStore_CancelAndQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := newJob()
	old.CreatedAt = time.Now().Add(-time.Hour).UTC()
	if err := s.InsertJob(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	fresh := newJob()
	fresh.Kind = "other"
	if err := s.InsertJob(ctx, fresh); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.RequestCancel(ctx, old.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := s.GetJob(ctx, old.ID)
	if !got.CancelRequested || got.State != job.StatePending {
		t.Errorf("cancel flag = %v state = %q", got.CancelRequested, got.State)
	}

	pending, err := s.ListJobsByState(ctx, job.StatePending, job.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}

	byKind, err := s.ListJobsByState(ctx, job.StatePending, job.ListOpts{Kind: "other"})
	if err != nil {
		t.Fatalf("list by kind: %v", err)
	}
	if len(byKind) != 1 || byKind[0].ID != fresh.ID {
		t.Errorf("kind-filtered = %d", len(byKind))
	}

	n, err := s.CountJobs(ctx, job.CountOpts{State: job.StatePending})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	before, err := s.PendingJobsBefore(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("pending before: %v", err)
	}
	if len(before) != 1 || before[0].ID != old.ID {
		t.Errorf("pending before = %d", len(before))
	}
}
