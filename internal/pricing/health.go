package pricing

import (
	"sync"
	"time"
)

// ProviderHealth represents the current health state of an upstream provider.
// It backs the /health endpoint and the registry's availability checks.
type ProviderHealth struct {
	// Provider is the name of the provider (e.g., "binance")
	Provider string `json:"provider"`

	// LastSuccess is the timestamp of the last successful call
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the timestamp of the last failed call
	LastFailure time.Time `json:"last_failure,omitempty"`

	// LastError contains the error message from the last failure, if any
	LastError string `json:"last_error,omitempty"`

	// LastDuration is the latency of the last call
	LastDuration time.Duration `json:"last_duration"`

	// ConsecutiveFailures is the count of consecutive failed calls
	ConsecutiveFailures int `json:"consecutive_failures"`

	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`

	// CircuitState is the current state of the circuit breaker (closed, open, half-open)
	CircuitState string `json:"circuit_state"`
}

// Healthy reports whether the provider is currently usable.
func (h ProviderHealth) Healthy() bool {
	return h.CircuitState != "open"
}

// HealthProvider defines the interface for providers that expose health status.
//
// Health status is used by:
//   - /health endpoint to report overall system health
//   - the registry to skip providers that are failing
type HealthProvider interface {
	// Health returns the current health status of the provider.
	// This method should be thread-safe and non-blocking.
	Health() ProviderHealth
}

// healthTracker accumulates call outcomes for one provider.
type healthTracker struct {
	mu     sync.RWMutex
	health ProviderHealth
}

func newHealthTracker(provider string) *healthTracker {
	return &healthTracker{health: ProviderHealth{Provider: provider}}
}

func (t *healthTracker) record(err error, duration time.Duration, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.health.Calls++
	t.health.LastDuration = duration
	if err == nil {
		t.health.LastSuccess = now
		t.health.LastError = ""
		t.health.ConsecutiveFailures = 0
		return
	}

	t.health.Failures++
	t.health.LastFailure = now
	t.health.LastError = err.Error()
	t.health.ConsecutiveFailures++
}

func (t *healthTracker) snapshot() ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.health
}
