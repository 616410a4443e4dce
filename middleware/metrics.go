package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/floqueue/floq/job"
)

// meterName is the instrumentation scope name for floq metrics.
const meterName = "github.com/floqueue/floq"

// Metrics returns middleware that records per-attempt execution metrics
// using the global OTel MeterProvider. Without a configured provider the
// instruments are noops and the middleware is a pass-through.
//
// Instruments:
//   - floq.job.duration (Float64Histogram): attempt duration in seconds,
//     with attributes kind and status ("ok" or "error")
//   - floq.job.attempts (Int64Counter): total attempts, same attributes
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter,
// for injecting a specific MeterProvider in tests.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instruments are created once here; the OTel API returns noop
	// instruments on error, so the errors can be dropped.
	duration, _ := meter.Float64Histogram(
		"floq.job.duration",
		metric.WithDescription("Duration of one job attempt in seconds"),
		metric.WithUnit("s"),
	)
	attempts, _ := meter.Int64Counter(
		"floq.job.attempts",
		metric.WithDescription("Total number of job attempts"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("kind", j.Kind),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		attempts.Add(ctx, 1, attrs)
		return err
	}
}
