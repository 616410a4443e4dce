package job

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased job handler. It receives the raw payload
// and returns the serialized result. The typed Definition[T, R] is
// converted to a HandlerFunc at registration time by closing over the
// codec and the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps job kinds to type-erased handler functions and their
// options. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	opts     map[string]Options
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		opts:     make(map[string]Options),
	}
}

// RegisterDefinition registers a typed job definition. The generic handler
// is wrapped in a closure that decodes the payload into T, calls the typed
// handler, and encodes its R result.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T, R any](r *Registry, def *Definition[T, R]) {
	c := def.codec()
	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		var args T
		if len(payload) > 0 {
			if err := c.Unmarshal(payload, &args); err != nil {
				// A payload that cannot decode will never decode; do not retry.
				return nil, Fatal(fmt.Errorf("decode payload for kind %q: %w", def.Kind, err))
			}
		}

		res, err := def.Handler(ctx, args)
		if err != nil {
			return nil, err
		}

		out, err := c.Marshal(res)
		if err != nil {
			return nil, Fatal(fmt.Errorf("encode result for kind %q: %w", def.Kind, err))
		}
		return out, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Kind] = handler
	r.opts[def.Kind] = def.Opts
}

// Get returns the handler for the given kind, or false if none is registered.
func (r *Registry) Get(kind string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Options returns the registered options for the given kind. The second
// return is false when the kind is unknown.
func (r *Registry) Options(kind string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.opts[kind]
	return o, ok
}

// Kinds returns all registered job kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
