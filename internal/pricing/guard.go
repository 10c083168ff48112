package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/platform/observability"
	"github.com/agatticelli/market-cache/internal/platform/resilience"
)

// DefaultCallTimeout bounds a single upstream call.
const DefaultCallTimeout = 10 * time.Second

// GuardConfig holds the limits applied around a provider.
type GuardConfig struct {
	Timeout     time.Duration
	RateLimiter *resilience.RateLimiter // optional
	Breaker     resilience.CircuitBreakerConfig
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Clock       clockwork.Clock
}

// Guard wraps a Provider with a per-call timeout, a rate limiter, a circuit breaker,
// health tracking and call metrics.
type Guard struct {
	inner   Provider
	name    string
	timeout time.Duration
	limiter *resilience.RateLimiter
	cb      *resilience.CircuitBreaker
	health  *healthTracker
	logger  *observability.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
}

// BatchGuard is a Guard over a provider that can fetch prices in batches.
type BatchGuard struct {
	*Guard
	batch BatchProvider
}

// NewGuard wraps p. The result implements BatchProvider exactly when p does.
func NewGuard(p Provider, cfg GuardConfig) Provider {
	g := newGuard(p, cfg)
	if bp, ok := p.(BatchProvider); ok {
		return &BatchGuard{Guard: g, batch: bp}
	}
	return g
}

func newGuard(p Provider, cfg GuardConfig) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	name := p.Name()
	g := &Guard{
		inner:   p,
		name:    name,
		timeout: cfg.Timeout,
		limiter: cfg.RateLimiter,
		health:  newHealthTracker(name),
		logger:  observability.OrNop(cfg.Logger).Component("provider." + name),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}

	bc := cfg.Breaker
	if bc.Name == "" {
		bc.Name = name
	}
	if bc.Clock == nil {
		bc.Clock = cfg.Clock
	}
	if bc.IsFailure == nil {
		bc.IsFailure = isBreakerFailure
	}
	if bc.OnStateChange == nil {
		bc.OnStateChange = func(service string, from, to resilience.State) {
			g.metrics.SetCircuitBreakerState(context.Background(), service, int64(to))
			g.logger.LogWarn(context.Background(), "circuit breaker state changed",
				"from", from.String(), "to", to.String())
		}
	}
	g.cb = resilience.NewCircuitBreaker(bc)
	g.metrics.SetCircuitBreakerState(context.Background(), name, g.cb.StateInt())
	return g
}

// unsupported data and caller cancellation say nothing about upstream health
func isBreakerFailure(err error) bool {
	return !errors.Is(err, ErrUnsupported) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, ErrEmptyResult)
}

func (g *Guard) Name() string {
	return g.name
}

// FetchPrice fetches one price through the guard.
func (g *Guard) FetchPrice(ctx context.Context, asset string) (*marketdata.Price, error) {
	return call(g, ctx, "price", asset, func(ctx context.Context) (*marketdata.Price, error) {
		p, err := g.inner.FetchPrice(ctx, asset)
		if err == nil && p == nil {
			err = ErrEmptyResult
		}
		return p, err
	})
}

// FetchFundamentals fetches fundamentals through the guard.
func (g *Guard) FetchFundamentals(ctx context.Context, asset string) (*marketdata.Fundamentals, error) {
	return call(g, ctx, "fundamentals", asset, func(ctx context.Context) (*marketdata.Fundamentals, error) {
		f, err := g.inner.FetchFundamentals(ctx, asset)
		if err == nil && f == nil {
			err = ErrEmptyResult
		}
		return f, err
	})
}

// FetchPricesBatch fetches many prices in one guarded upstream call.
func (g *BatchGuard) FetchPricesBatch(ctx context.Context, assets []string) ([]*marketdata.Price, error) {
	return call(g.Guard, ctx, "price_batch", "", func(ctx context.Context) ([]*marketdata.Price, error) {
		return g.batch.FetchPricesBatch(ctx, assets)
	})
}

// Available reports whether the breaker would admit a call.
func (g *Guard) Available() bool {
	return g.cb.Allows()
}

// Health returns the provider's health with the current breaker state.
func (g *Guard) Health() ProviderHealth {
	h := g.health.snapshot()
	h.CircuitState = g.cb.State().String()
	return h
}

// Unwrap returns the guarded provider.
func (g *Guard) Unwrap() Provider {
	return g.inner
}

func call[T any](g *Guard, ctx context.Context, op, asset string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.metrics.RecordProviderCall(ctx, g.name, op, "throttled", 0)
			return zero, &ProviderError{Provider: g.name, Op: op, Asset: asset, Err: err}
		}
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := g.clock.Now()
	res, err := resilience.ExecuteWithResult(g.cb, cctx, fn)
	duration := g.clock.Since(start)

	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "rejected"
	case errors.Is(err, ErrUnsupported):
		status = "unsupported"
	default:
		status = "error"
	}
	g.metrics.RecordProviderCall(ctx, g.name, op, status, duration)

	if status != "rejected" && status != "unsupported" {
		g.health.record(err, duration, g.clock.Now())
	}
	if err == nil {
		return res, nil
	}

	if status == "error" {
		g.logger.LogWarn(ctx, "provider call failed", "op", op, "asset", asset, "error", err.Error())
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return zero, err
	}
	return zero, &ProviderError{Provider: g.name, Op: op, Asset: asset, Err: err}
}
