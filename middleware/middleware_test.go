package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
	"github.com/floqueue/floq/middleware"
)

func testJob() *job.Job {
	return &job.Job{ID: id.NewJobID(), Kind: "test", AttemptCount: 1}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mk := func(name string) middleware.Middleware {
		return func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
			order = append(order, name+":before")
			err := next(ctx)
			order = append(order, name+":after")
			return err
		}
	}

	chain := middleware.Chain(mk("outer"), mk("inner"))
	err := chain(context.Background(), testJob(), func(context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	want := []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestChain_Empty(t *testing.T) {
	called := false
	err := middleware.Chain()(context.Background(), testJob(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("empty chain: err=%v called=%v", err, called)
	}
}

func TestRecover_ConvertsPanic(t *testing.T) {
	mw := middleware.Recover(discardLogger())
	err := mw(context.Background(), testJob(), func(context.Context) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panic")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want panic message included", err)
	}
}

func TestRecover_PassesThroughError(t *testing.T) {
	mw := middleware.Recover(discardLogger())
	want := errors.New("handler error")
	err := mw(context.Background(), testJob(), func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
}

func TestTimeout_EnforcesDeadline(t *testing.T) {
	j := testJob()
	j.Timeout = 10 * time.Millisecond

	mw := middleware.Timeout()
	err := mw(context.Background(), j, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_ZeroIsPassThrough(t *testing.T) {
	mw := middleware.Timeout()
	err := mw(context.Background(), testJob(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("no deadline expected for zero timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
}

func TestLogging_PassesThrough(t *testing.T) {
	mw := middleware.Logging(discardLogger())
	want := errors.New("nope")
	if err := mw(context.Background(), testJob(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
	if err := mw(context.Background(), testJob(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("error = %v, want nil", err)
	}
}

func TestMetrics_PassesThrough(t *testing.T) {
	mw := middleware.Metrics()
	want := errors.New("nope")
	if err := mw(context.Background(), testJob(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
}
