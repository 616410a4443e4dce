package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/floqueue/floq/job"
)

// Recover returns middleware that converts handler panics into errors,
// logging the stack trace. A panicking handler counts as a failed attempt
// instead of taking down the worker.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("job_kind", j.Kind),
					slog.String("job_id", j.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in job %s: %v", j.Kind, r)
			}
		}()
		return next(ctx)
	}
}
