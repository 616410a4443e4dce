// Package limiter throttles job execution per kind with a token-bucket
// rate limit and a concurrency cap. Workers check it after claiming a
// delivery; a denied job is nacked back to the broker.
package limiter

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-kind execution limits.
type Config struct {
	// Kind is the job kind the limits apply to.
	Kind string

	// MaxConcurrency limits how many jobs of this kind may run
	// simultaneously in the local pool. Zero means no kind-specific
	// limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained executions per second. Zero
	// disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 when
	// RateLimit is set and RateBurst is zero.
	RateBurst int
}

// kindState tracks runtime state for one kind.
type kindState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager enforces per-kind limits. It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	kinds map[string]*kindState
}

// NewManager creates a Manager with the given kind configurations. Kinds
// not listed have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{kinds: make(map[string]*kindState, len(configs))}
	for _, cfg := range configs {
		m.kinds[cfg.Kind] = newKindState(cfg)
	}
	return m
}

func newKindState(cfg Config) *kindState {
	ks := &kindState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ks.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ks
}

// Acquire reports whether a job of the given kind may run now. On true it
// increments the active counter; the caller must call Release when the
// attempt finishes.
func (m *Manager) Acquire(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks := m.kinds[kind]
	if ks == nil {
		return true
	}
	if ks.limiter != nil && !ks.limiter.Allow() {
		return false
	}
	if ks.config.MaxConcurrency > 0 && ks.active >= ks.config.MaxConcurrency {
		return false
	}
	ks.active++
	return true
}

// Release decrements the active count for the kind.
func (m *Manager) Release(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ks := m.kinds[kind]; ks != nil && ks.active > 0 {
		ks.active--
	}
}

// SetConfig dynamically updates (or creates) a kind configuration,
// preserving the current active count.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.kinds[cfg.Kind]
	ks := newKindState(cfg)
	if existing != nil {
		ks.active = existing.active
	}
	m.kinds[cfg.Kind] = ks
}

// ActiveCount returns the number of currently running jobs of the kind.
func (m *Manager) ActiveCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ks := m.kinds[kind]; ks != nil {
		return ks.active
	}
	return 0
}
