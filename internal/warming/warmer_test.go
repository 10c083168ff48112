package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/pricing"
)

type memCache struct {
	mu           sync.Mutex
	prices       map[string]*marketdata.Price
	fundamentals map[string]*marketdata.Fundamentals
}

func newMemCache() *memCache {
	return &memCache{
		prices:       make(map[string]*marketdata.Price),
		fundamentals: make(map[string]*marketdata.Fundamentals),
	}
}

func (c *memCache) SetPrice(_ context.Context, asset, provider string, p *marketdata.Price) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[marketdata.PriceKey(asset, provider)] = p
	return true, nil
}

func (c *memCache) SetFundamentals(_ context.Context, asset, provider string, f *marketdata.Fundamentals) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fundamentals[marketdata.FundamentalsKey(asset, provider)] = f
	return true, nil
}

type testProvider struct {
	name     string
	delay    time.Duration
	failFor  map[string]bool
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (p *testProvider) Name() string { return p.name }

func (p *testProvider) enter() func() {
	n := p.inFlight.Add(1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { p.inFlight.Add(-1) }
}

func (p *testProvider) FetchPrice(_ context.Context, asset string) (*marketdata.Price, error) {
	defer p.enter()()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.failFor[asset] {
		return nil, errors.New("upstream down")
	}
	return &marketdata.Price{Symbol: asset, Provider: p.name, Price: 10}, nil
}

func (p *testProvider) FetchFundamentals(_ context.Context, asset string) (*marketdata.Fundamentals, error) {
	if p.failFor[asset] {
		return nil, errors.New("upstream down")
	}
	return &marketdata.Fundamentals{Symbol: asset, Provider: p.name, EPS: 3}, nil
}

type testEnv struct {
	w     *Warmer
	cache *memCache
	reg   *pricing.Registry
	clock clockwork.FakeClock
}

// 2024-03-04 10:00 UTC, a scheduled warming hour
var morning = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, threshold int, providers ...*testProvider) *testEnv {
	t.Helper()
	reg := pricing.NewRegistry(nil)
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		reg.Register(p)
		names = append(names, p.name)
	}
	if len(names) > 0 {
		require.NoError(t, reg.Route(marketdata.DataTypePrice, "", names...))
	}

	cache := newMemCache()
	clock := clockwork.NewFakeClockAt(morning)
	w, err := New(Config{
		WarmingSchedule:     []int{9, 10},
		MinRequestThreshold: threshold,
		MaxSymbolsPerBatch:  3,
		Concurrency:         2,
		Interval:            time.Minute,
		Cache:               cache,
		Providers:           reg,
		Clock:               clock,
	})
	require.NoError(t, err)
	return &testEnv{w: w, cache: cache, reg: reg, clock: clock}
}

func (e *testEnv) hit(symbol string, n int, at time.Time) {
	for i := 0; i < n; i++ {
		e.w.RecordAccess(symbol, marketdata.DataTypePrice, at)
	}
}

func TestRecordAccess(t *testing.T) {
	env := newTestEnv(t, 1)

	env.w.RecordAccess("aapl", marketdata.DataTypePrice, morning)
	env.w.RecordAccess("AAPL", marketdata.DataTypeFundamentals, morning.Add(3*time.Hour))
	env.w.RecordAccess("AAPL", marketdata.DataTypePrice, time.Time{})
	env.w.RecordAccess("  ", marketdata.DataTypePrice, morning)

	p, ok := env.w.Pattern("AAPL")
	require.True(t, ok)
	assert.Equal(t, int64(3), p.RequestCount)
	assert.Equal(t, int64(2), p.HourlyDistribution[10])
	assert.Equal(t, int64(1), p.HourlyDistribution[13])
	assert.Equal(t, int64(2), p.DataTypeCounts[marketdata.DataTypePrice])
	assert.Equal(t, int64(1), p.DataTypeCounts[marketdata.DataTypeFundamentals])
	assert.Equal(t, morning.Add(3*time.Hour), p.LastAccessed)
	assert.Equal(t, morning, p.FirstSeen)
	assert.Equal(t, 1, env.w.Stats().TrackedSymbols)

	// the returned pattern is a copy
	p.DataTypeCounts[marketdata.DataTypeNews] = 99
	again, _ := env.w.Pattern("AAPL")
	assert.Zero(t, again.DataTypeCounts[marketdata.DataTypeNews])
}

func TestPeakHours(t *testing.T) {
	p := newQueryPattern("X", morning)
	p.HourlyDistribution[9] = 5
	p.HourlyDistribution[14] = 7
	p.HourlyDistribution[3] = 5
	p.HourlyDistribution[20] = 1

	assert.Equal(t, []int{14, 3, 9}, p.PeakHours(3))
	assert.Empty(t, newQueryPattern("Y", morning).PeakHours(3))
}

func TestPriorityScore(t *testing.T) {
	tests := []struct {
		name     string
		requests int
		lastAt   time.Time
		event    bool
		want     float64
	}{
		{"fresh, in peak hour", 250, morning, false, 2.5 + 10 + 5},
		{"frequency capped", 5000, morning, false, 10 + 10 + 5},
		{"two days old", 100, morning.Add(-48 * time.Hour), false, 1 + 8 + 5},
		{"stale beyond ten days", 100, morning.Add(-11 * 24 * time.Hour).Add(5 * time.Hour), false, 1 + 0 + 0},
		{"market event", 100, morning, true, 1 + 10 + 5 + 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 1)
			env.hit("SYM", tt.requests, tt.lastAt)
			if tt.event {
				env.w.AddMarketEvent("SYM", time.Hour)
			}
			got, ok := env.w.PriorityScore("SYM")
			require.True(t, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	env := newTestEnv(t, 1)
	_, ok := env.w.PriorityScore("NONE")
	assert.False(t, ok)
}

func TestGetSymbolsToWarm_RespectsThreshold(t *testing.T) {
	counts := map[string]int{"A": 1, "B": 4, "C": 9, "D": 10, "E": 25, "F": 60}

	for threshold := 1; threshold <= 70; threshold += 3 {
		env := newTestEnv(t, threshold)
		for sym, n := range counts {
			env.hit(sym, n, morning)
		}
		for _, sym := range env.w.GetSymbolsToWarm(100) {
			p, _ := env.w.Pattern(sym)
			assert.GreaterOrEqual(t, p.RequestCount, int64(threshold), "threshold %d returned %s", threshold, sym)
		}
	}
}

func TestGetSymbolsToWarm_OrderAndLimit(t *testing.T) {
	env := newTestEnv(t, 5)
	env.hit("LOW", 10, morning.Add(-72*time.Hour))
	env.hit("MID", 10, morning)
	env.hit("TOP", 900, morning)
	env.hit("EVT", 10, morning.Add(-72*time.Hour))
	env.hit("RARE", 2, morning)
	env.w.AddMarketEvent("EVT", 0)

	// TOP 9+10+5, EVT 0.1+7+5+10, MID 0.1+10+5, LOW 0.1+7+5
	assert.Equal(t, []string{"TOP", "EVT", "MID"}, env.w.GetSymbolsToWarm(0), "default limit is MaxSymbolsPerBatch")
	assert.Equal(t, []string{"TOP"}, env.w.GetSymbolsToWarm(1))
	assert.Len(t, env.w.GetSymbolsToWarm(10), 4)
}

func TestWarmSymbol(t *testing.T) {
	good := &testProvider{name: "good", failFor: map[string]bool{"BAD": true}}
	env := newTestEnv(t, 1, good)

	res := env.w.WarmSymbol(context.Background(), "AAPL", nil)
	assert.Equal(t, map[marketdata.DataType]bool{
		marketdata.DataTypePrice:        true,
		marketdata.DataTypeFundamentals: false, // no route
	}, res)
	assert.Contains(t, env.cache.prices, "price:AAPL:good")

	require.NoError(t, env.reg.Route(marketdata.DataTypeFundamentals, "", "good"))
	res = env.w.WarmSymbol(context.Background(), "AAPL", []marketdata.DataType{marketdata.DataTypeFundamentals, marketdata.DataTypeNews})
	assert.True(t, res[marketdata.DataTypeFundamentals])
	assert.False(t, res[marketdata.DataTypeNews])
	assert.Contains(t, env.cache.fundamentals, "fundamentals:AAPL:good")

	res = env.w.WarmSymbol(context.Background(), "BAD", nil)
	assert.False(t, res[marketdata.DataTypePrice])
	assert.False(t, res[marketdata.DataTypeFundamentals])
}

func TestWarmCacheBatch_BoundedConcurrency(t *testing.T) {
	slow := &testProvider{name: "slow", delay: 10 * time.Millisecond, failFor: map[string]bool{"S3": true}}
	env := newTestEnv(t, 1, slow)

	symbols := make([]string, 8)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("S%d", i)
	}

	res := env.w.WarmCacheBatch(context.Background(), symbols, 2)

	require.Len(t, res, 8)
	for _, s := range symbols {
		assert.Equal(t, s != "S3", res[s], s)
	}
	assert.LessOrEqual(t, slow.maxSeen.Load(), int32(2))
	assert.Len(t, env.cache.prices, 7)
}

func TestRunWarmingCycle(t *testing.T) {
	p := &testProvider{name: "p"}
	env := newTestEnv(t, 2, p)
	env.hit("AAPL", 5, morning)
	env.hit("MSFT", 3, morning)
	env.hit("IBM", 1, morning)

	res := env.w.RunWarmingCycle(context.Background())
	assert.True(t, res.Ran)
	assert.Equal(t, 2, res.Symbols)
	assert.Equal(t, 2, res.Warmed)
	assert.Contains(t, env.cache.prices, "price:AAPL:p")
	assert.NotContains(t, env.cache.prices, "price:IBM:p")

	stats := env.w.Stats()
	assert.Equal(t, int64(1), stats.Cycles)
	assert.Equal(t, int64(2), stats.SymbolsWarmed)
	assert.Equal(t, morning, stats.LastCycle)

	env.clock.Advance(3 * time.Hour)
	assert.False(t, env.w.IsWarmingHour())
	assert.Equal(t, CycleResult{}, env.w.RunWarmingCycle(context.Background()))
	assert.Equal(t, int64(1), env.w.Stats().Cycles)
}

func TestMarketEvents(t *testing.T) {
	env := newTestEnv(t, 1)
	env.w.AddMarketEvent("tsla", 30*time.Minute)
	env.w.AddMarketEvent("NVDA", 0)
	assert.Equal(t, []string{"NVDA", "TSLA"}, env.w.ActiveEvents())

	env.clock.Advance(31 * time.Minute)
	assert.Equal(t, []string{"NVDA"}, env.w.ActiveEvents())

	env.w.RemoveMarketEvent("nvda")
	assert.Empty(t, env.w.ActiveEvents())
}

func TestClearOldPatterns(t *testing.T) {
	env := newTestEnv(t, 1)
	env.hit("OLD", 1, morning.Add(-8*24*time.Hour))
	env.hit("RECENT", 1, morning.Add(-2*24*time.Hour))
	env.hit("NOW", 1, morning)
	env.w.AddMarketEvent("GONE", time.Minute)
	env.clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, env.w.ClearOldPatterns(0), "default retention is seven days")
	assert.Equal(t, 1, env.w.ClearOldPatterns(1))
	_, ok := env.w.Pattern("NOW")
	assert.True(t, ok)
	assert.Equal(t, 1, env.w.Stats().TrackedSymbols)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Providers: pricing.NewRegistry(nil)})
	assert.Error(t, err)
	_, err = New(Config{Cache: newMemCache()})
	assert.Error(t, err)
	_, err = New(Config{Cache: newMemCache(), Providers: pricing.NewRegistry(nil), WarmingSchedule: []int{-1}})
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &testProvider{name: "p"}
	env := newTestEnv(t, 1, p)
	env.hit("AAPL", 3, morning)

	require.NoError(t, env.w.Start(context.Background()))
	assert.ErrorIs(t, env.w.Start(context.Background()), ErrAlreadyRunning)

	env.clock.BlockUntil(1)
	env.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return env.w.Stats().Cycles == 1 }, time.Second, 5*time.Millisecond)

	env.w.Stop()
	env.w.Stop()

	env.cache.mu.Lock()
	defer env.cache.mu.Unlock()
	assert.Contains(t, env.cache.prices, "price:AAPL:p")
}
