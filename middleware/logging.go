package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/floqueue/floq/job"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("job attempt started",
			slog.String("job_kind", j.Kind),
			slog.String("job_id", j.ID.String()),
			slog.Int("attempt", j.AttemptCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job attempt failed",
				slog.String("job_kind", j.Kind),
				slog.String("job_id", j.ID.String()),
				slog.Int("attempt", j.AttemptCount),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job attempt completed",
				slog.String("job_kind", j.Kind),
				slog.String("job_id", j.ID.String()),
				slog.Int("attempt", j.AttemptCount),
				slog.Duration("elapsed", elapsed),
			)
		}
		return err
	}
}
