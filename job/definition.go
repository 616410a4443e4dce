package job

import (
	"context"

	"github.com/floqueue/floq/codec"
)

// Definition is a typed job definition with a handler function.
// T is the argument type and R the result type; both must be
// serializable by the definition's codec.
type Definition[T, R any] struct {
	// Kind is the unique identifier for this job type.
	Kind string

	// Handler executes the job. Returning an error marks the attempt
	// failed; wrap with Fatal to suppress retries. The result is recorded
	// on the job record only when the error is nil.
	Handler func(ctx context.Context, args T) (R, error)

	// Opts configures attempts, timeout, and payload codec.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T, R any](kind string, handler func(ctx context.Context, args T) (R, error), opts ...Option) *Definition[T, R] {
	def := &Definition[T, R]{
		Kind:    kind,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

func (d *Definition[T, R]) codec() codec.Codec {
	if d.Opts.Codec != nil {
		return d.Opts.Codec
	}
	return codec.JSON{}
}
