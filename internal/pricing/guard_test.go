package pricing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/platform/resilience"
)

type stubProvider struct {
	name  string
	calls atomic.Int32
	err   error
	block bool
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) FetchPrice(ctx context.Context, asset string) (*marketdata.Price, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &marketdata.Price{Symbol: asset, Provider: s.name, Price: 1}, nil
}

func (s *stubProvider) FetchFundamentals(_ context.Context, _ string) (*marketdata.Fundamentals, error) {
	s.calls.Add(1)
	return nil, ErrUnsupported
}

type stubBatchProvider struct {
	stubProvider
}

func (s *stubBatchProvider) FetchPricesBatch(_ context.Context, assets []string) ([]*marketdata.Price, error) {
	s.calls.Add(1)
	out := make([]*marketdata.Price, len(assets))
	for i, a := range assets {
		out[i] = &marketdata.Price{Symbol: a, Provider: s.name, Price: float64(i)}
	}
	return out, nil
}

func breakerCfg(clock clockwork.Clock) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, Clock: clock}
}

func TestNewGuard_PreservesBatchCapability(t *testing.T) {
	plain := NewGuard(&stubProvider{name: "plain"}, GuardConfig{})
	_, ok := AsBatch(plain)
	assert.False(t, ok)

	batch := NewGuard(&stubBatchProvider{stubProvider{name: "bulk"}}, GuardConfig{})
	bp, ok := AsBatch(batch)
	require.True(t, ok)

	prices, err := bp.FetchPricesBatch(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Len(t, prices, 2)
	assert.Equal(t, "bulk", batch.Name())
}

func TestGuard_BreakerOpensAndRejects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &stubProvider{name: "flaky", err: errors.New("boom")}
	g := NewGuard(inner, GuardConfig{Breaker: breakerCfg(clock), Clock: clock})

	for i := 0; i < 2; i++ {
		_, err := g.FetchPrice(context.Background(), "AAPL")
		require.Error(t, err)
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "flaky", pe.Provider)
	}

	_, err := g.FetchPrice(context.Background(), "AAPL")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), inner.calls.Load(), "open circuit must not reach the provider")

	h := g.(HealthProvider).Health()
	assert.Equal(t, "open", h.CircuitState)
	assert.Equal(t, 2, h.ConsecutiveFailures)
	assert.Equal(t, int64(2), h.Calls)
	assert.Equal(t, "boom", h.LastError)
	assert.False(t, h.Healthy())

	clock.Advance(time.Minute + time.Second)
	inner.err = nil
	_, err = g.FetchPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "closed", g.(HealthProvider).Health().CircuitState)
}

func TestGuard_UnsupportedDoesNotTripBreaker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGuard(&stubProvider{name: "prices-only"}, GuardConfig{Breaker: breakerCfg(clock), Clock: clock})

	for i := 0; i < 5; i++ {
		_, err := g.FetchFundamentals(context.Background(), "AAPL")
		assert.ErrorIs(t, err, ErrUnsupported)
	}
	h := g.(HealthProvider).Health()
	assert.Equal(t, "closed", h.CircuitState)
	assert.Zero(t, h.Calls)
}

func TestGuard_CallTimeout(t *testing.T) {
	g := NewGuard(&stubProvider{name: "slow", block: true}, GuardConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := g.FetchPrice(context.Background(), "AAPL")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGuard_EmptyResult(t *testing.T) {
	g := NewGuard(nilProvider{}, GuardConfig{})
	_, err := g.FetchPrice(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrEmptyResult)
}

type nilProvider struct{}

func (nilProvider) Name() string { return "nil" }
func (nilProvider) FetchPrice(context.Context, string) (*marketdata.Price, error) {
	return nil, nil
}
func (nilProvider) FetchFundamentals(context.Context, string) (*marketdata.Fundamentals, error) {
	return nil, nil
}

func TestRegistry_Routing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	primary := &stubProvider{name: "primary", err: errors.New("down")}
	backup := &stubProvider{name: "backup"}
	crypto := &stubProvider{name: "crypto"}

	r := NewRegistry(marketdata.NewClassifier([]string{"BTC"}, time.UTC))
	r.Register(NewGuard(primary, GuardConfig{Breaker: breakerCfg(clock), Clock: clock}))
	r.Register(NewGuard(backup, GuardConfig{Breaker: breakerCfg(clock), Clock: clock}))
	r.Register(crypto)

	require.NoError(t, r.Route(marketdata.DataTypePrice, "", "primary", "backup"))
	require.NoError(t, r.Route(marketdata.DataTypePrice, marketdata.AssetClassCrypto, "crypto"))
	assert.ErrorIs(t, r.Route(marketdata.DataTypeNews, "", "missing"), ErrProviderNotFound)

	p, ok := r.GetProviderForDataType(marketdata.DataTypePrice, "AAPL")
	require.True(t, ok)
	assert.Equal(t, "primary", p.Name())

	p, ok = r.GetProviderForDataType(marketdata.DataTypePrice, "BTC-USD")
	require.True(t, ok)
	assert.Equal(t, "crypto", p.Name())

	_, ok = r.GetProviderForDataType(marketdata.DataTypeFundamentals, "AAPL")
	assert.False(t, ok)

	// trip the primary breaker
	primaryGuard, _ := r.GetProvider("primary")
	for i := 0; i < 2; i++ {
		_, _ = primaryGuard.FetchPrice(context.Background(), "AAPL")
	}

	p, ok = r.GetProviderForDataType(marketdata.DataTypePrice, "AAPL")
	require.True(t, ok)
	assert.Equal(t, "backup", p.Name(), "open circuit is skipped")

	assert.Equal(t, []string{"backup", "crypto", "primary"}, r.Names())

	health := r.Health()
	require.Len(t, health, 2)
	assert.Equal(t, "backup", health[0].Provider)
	assert.Equal(t, "open", health[1].CircuitState)
}
