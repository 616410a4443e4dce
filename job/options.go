package job

import (
	"time"

	"github.com/floqueue/floq/codec"
)

// Options configures per-job behavior.
type Options struct {
	// MaxAttempts is the total number of executions allowed before the job
	// fails terminally. The first execution counts as attempt 1.
	MaxAttempts int

	// Timeout is the maximum duration one execution may run before its
	// context is cancelled. Zero disables the per-execution deadline.
	Timeout time.Duration

	// RunAt schedules the job for future execution. Zero means immediate.
	RunAt time.Time

	// Codec serializes the payload and result. Nil means JSON.
	Codec codec.Codec
}

// DefaultOptions returns Options with the package defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Timeout:     5 * time.Minute,
	}
}

// Option is a functional option for configuring a job definition or a
// single submission.
type Option func(*Options)

// WithMaxAttempts sets the total execution attempts allowed.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithTimeout sets the per-execution deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) { o.RunAt = t }
}

// WithCodec sets the payload codec.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}
