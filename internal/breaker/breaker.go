// Package breaker tracks per-dependency health and gates dispatch
// against failing dependencies for a cooldown period.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// Circuit states
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// Config holds circuit breaker tuning
type Config struct {
	// FailureThreshold is the number of failures within Window that
	// trips the circuit open.
	FailureThreshold int
	// Window is the rolling interval failures are counted over.
	Window time.Duration
	// Cooldown is how long an open circuit blocks dispatch before
	// admitting a half-open trial.
	Cooldown time.Duration
}

// Status is a read-only snapshot of one circuit.
type Status struct {
	Key          string    `json:"key"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitzero"`
}

type circuit struct {
	state        string
	failureCount int
	windowStart  time.Time
	openedAt     time.Time
	trialActive  bool
}

// Registry holds one circuit per dependency key. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	config   Config
	circuits map[string]*circuit
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a Registry with the given configuration.
func NewRegistry(config Config, logger *slog.Logger) *Registry {
	return &Registry{
		config:   config,
		circuits: make(map[string]*circuit),
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Registry) get(key string) *circuit {
	c, ok := r.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		r.circuits[key] = c
	}
	return c
}

// Allow reports whether a dispatch against the dependency may proceed.
// While open, it returns false until the cooldown elapses; the first
// call after the cooldown transitions to half-open and admits exactly
// one trial dispatch.
func (r *Registry) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(key)
	now := r.now()

	switch c.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Before(c.openedAt.Add(r.config.Cooldown)) {
			return false
		}
		c.state = StateHalfOpen
		c.trialActive = true
		r.logger.Info("Circuit half-open, admitting trial dispatch",
			slog.String("dependency", key),
		)
		return true

	case StateHalfOpen:
		if c.trialActive {
			return false
		}
		c.trialActive = true
		return true
	}

	return false
}

// ReportSuccess records a successful dispatch. A half-open trial success
// closes the circuit and clears the failure count.
func (r *Registry) ReportSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(key)
	if c.state == StateHalfOpen {
		r.logger.Info("Circuit closed after successful trial",
			slog.String("dependency", key),
		)
	}
	c.state = StateClosed
	c.failureCount = 0
	c.trialActive = false
	c.windowStart = time.Time{}
	c.openedAt = time.Time{}
}

// ReportFailure records a failed dispatch. Crossing the threshold within
// the rolling window trips the circuit open; a half-open trial failure
// reopens it and restarts the cooldown.
func (r *Registry) ReportFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(key)
	now := r.now()

	if c.state == StateHalfOpen {
		c.state = StateOpen
		c.openedAt = now
		c.trialActive = false
		r.logger.Warn("Circuit reopened after failed trial",
			slog.String("dependency", key),
		)
		return
	}

	if c.state == StateOpen {
		return
	}

	// Reset the rolling window when the previous one has lapsed.
	if c.windowStart.IsZero() || now.Sub(c.windowStart) > r.config.Window {
		c.windowStart = now
		c.failureCount = 0
	}
	c.failureCount++

	if c.failureCount >= r.config.FailureThreshold {
		c.state = StateOpen
		c.openedAt = now
		r.logger.Warn("Circuit tripped open",
			slog.String("dependency", key),
			slog.Int("failure_count", c.failureCount),
			slog.Duration("cooldown", r.config.Cooldown),
		)
	}
}

// State returns the current state for a dependency key.
func (r *Registry) State(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(key).state
}

// Snapshot returns the status of every tracked circuit.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.circuits))
	for key, c := range r.circuits {
		out = append(out, Status{
			Key:          key,
			State:        c.state,
			FailureCount: c.failureCount,
			OpenedAt:     c.openedAt,
		})
	}
	return out
}
