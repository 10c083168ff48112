package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrCircuitOpen is returned when circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents circuit breaker state
type State int

const (
	// StateClosed allows all requests
	StateClosed State = iota
	// StateOpen rejects all requests
	StateOpen
	// StateHalfOpen allows limited requests to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // Number of failures before opening
	SuccessThreshold int           // Number of successes in half-open before closing
	Timeout          time.Duration // Time to wait before transitioning from open to half-open
	OnStateChange    func(name string, from, to State)
	Clock            clockwork.Clock

	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every error except context cancellation and deadline.
	IsFailure func(error) bool
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu           sync.RWMutex
	state        State
	failures     int
	successes    int
	lastFailTime time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}

	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Execute executes a function through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

// ExecuteWithResult executes a function with result through circuit breaker.
// Go has no generic methods, hence the free function.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.beforeRequest(); err != nil {
		return zero, err
	}
	res, err := fn(ctx)
	cb.afterRequest(err)
	return res, err
}

// Allows reports whether a request would currently be admitted, without
// changing state. Used for routing decisions.
func (cb *CircuitBreaker) Allows() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state != StateOpen {
		return true
	}
	return cb.cfg.Clock.Since(cb.lastFailTime) > cb.cfg.Timeout
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if cb.cfg.Clock.Since(cb.lastFailTime) > cb.cfg.Timeout {
			cb.setState(StateHalfOpen)
			cb.successes = 0
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		if !cb.cfg.IsFailure(err) {
			return
		}
		cb.failures++
		cb.successes = 0
		cb.lastFailTime = cb.cfg.Clock.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			cb.setState(StateOpen)
		}
		return
	}

	cb.successes++
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failures = 0
		}
	}
}

// caller must hold cb.mu
func (cb *CircuitBreaker) setState(newState State) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, oldState, newState)
	}
}

// State returns current state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// StateInt returns current state as int (for metrics)
func (cb *CircuitBreaker) StateInt() int64 {
	return int64(cb.State())
}

// Name returns circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
}

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state, cb.failures, cb.successes
}
