package middleware

import (
	"context"

	"github.com/floqueue/floq/job"
)

// Timeout returns middleware that enforces the job's per-execution
// deadline. With a non-zero Timeout the handler context is cancelled at
// the deadline; a zero Timeout passes through unchanged.
func Timeout() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
