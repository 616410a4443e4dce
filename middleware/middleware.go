// Package middleware provides composable middleware around job execution.
// Middleware wraps a handler call synchronously and can recover panics,
// enforce deadlines, log, or record metrics.
package middleware

import (
	"context"

	"github.com/floqueue/floq/job"
)

// Handler is the terminal function that executes the job's logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// claimed job and the next handler; it must call next to continue the
// chain unless short-circuiting on error.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes middleware into one. Middleware apply right-to-left: the
// first middleware in the list is the outermost wrapper, so
// Chain(logging, recovery) executes as logging → recovery → handler.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}
