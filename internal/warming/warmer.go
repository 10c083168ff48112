// Package warming pre-populates the cache with the symbols most likely to be requested
// next, ranked from observed query patterns and active market events.
package warming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/platform/observability"
	"github.com/agatticelli/market-cache/internal/pricing"
)

// ErrAlreadyRunning is returned by Start on a running warmer.
var ErrAlreadyRunning = errors.New("warmer already running")

// Cache is the write side of the cache manager used to store warmed data.
type Cache interface {
	SetPrice(ctx context.Context, asset, provider string, price *marketdata.Price) (bool, error)
	SetFundamentals(ctx context.Context, asset, provider string, f *marketdata.Fundamentals) (bool, error)
}

// Providers resolves the provider serving a data type for an asset.
type Providers interface {
	GetProviderForDataType(dataType marketdata.DataType, asset string) (pricing.Provider, bool)
}

// Config configures the predictive warmer.
type Config struct {
	// WarmingSchedule lists the hours (0-23) during which warming cycles run.
	WarmingSchedule     []int
	MinRequestThreshold int
	MaxSymbolsPerBatch  int
	Concurrency         int
	Interval            time.Duration
	PatternRetention    time.Duration
	DataTypes           []marketdata.DataType
	ProviderTimeout     time.Duration
	// EventTTL is how long a market event boosts its symbol when no expiry is given.
	EventTTL time.Duration
	Location *time.Location

	Cache     Cache
	Providers Providers
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    observability.Tracer
	Clock     clockwork.Clock
}

// CycleResult summarises one warming cycle.
type CycleResult struct {
	Ran      bool          `json:"ran"`
	Symbols  int           `json:"symbols"`
	Warmed   int           `json:"warmed"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Stats is a snapshot of warmer state and counters.
type Stats struct {
	TrackedSymbols int       `json:"tracked_symbols"`
	ActiveEvents   []string  `json:"active_events"`
	Cycles         int64     `json:"cycles"`
	SymbolsWarmed  int64     `json:"symbols_warmed"`
	WarmFailures   int64     `json:"warm_failures"`
	LastCycle      time.Time `json:"last_cycle,omitempty"`
}

// Warmer tracks per-symbol demand and warms the highest-priority symbols on a schedule.
type Warmer struct {
	schedule    map[int]struct{}
	minRequests int64
	maxSymbols  int
	concurrency int
	interval    time.Duration
	retention   time.Duration
	dataTypes   []marketdata.DataType
	timeout     time.Duration
	eventTTL    time.Duration
	loc         *time.Location

	cache     Cache
	providers Providers
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer
	clock     clockwork.Clock

	mu        sync.RWMutex
	patterns  map[string]*QueryPattern
	events    map[string]time.Time // symbol -> expiry
	lastCycle time.Time

	cycles   atomic.Int64
	warmed   atomic.Int64
	failures atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a warmer. Cache and Providers are required.
func New(cfg Config) (*Warmer, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("warmer: cache is required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("warmer: providers are required")
	}
	if cfg.MinRequestThreshold <= 0 {
		cfg.MinRequestThreshold = 10
	}
	if cfg.MaxSymbolsPerBatch <= 0 {
		cfg.MaxSymbolsPerBatch = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.PatternRetention <= 0 {
		cfg.PatternRetention = 7 * 24 * time.Hour
	}
	if len(cfg.DataTypes) == 0 {
		cfg.DataTypes = []marketdata.DataType{marketdata.DataTypePrice, marketdata.DataTypeFundamentals}
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = pricing.DefaultCallTimeout
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	schedule := make(map[int]struct{}, len(cfg.WarmingSchedule))
	for _, h := range cfg.WarmingSchedule {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("warmer: warming hour %d out of range", h)
		}
		schedule[h] = struct{}{}
	}

	return &Warmer{
		schedule:    schedule,
		minRequests: int64(cfg.MinRequestThreshold),
		maxSymbols:  cfg.MaxSymbolsPerBatch,
		concurrency: cfg.Concurrency,
		interval:    cfg.Interval,
		retention:   cfg.PatternRetention,
		dataTypes:   cfg.DataTypes,
		timeout:     cfg.ProviderTimeout,
		eventTTL:    cfg.EventTTL,
		loc:         cfg.Location,
		cache:       cfg.Cache,
		providers:   cfg.Providers,
		logger:      observability.OrNop(cfg.Logger).Component("warmer"),
		metrics:     cfg.Metrics,
		tracer:      observability.OrNoopTracer(cfg.Tracer),
		clock:       cfg.Clock,
		patterns:    make(map[string]*QueryPattern),
		events:      make(map[string]time.Time),
	}, nil
}

// RecordAccess counts one request for symbol. A zero at means now.
func (w *Warmer) RecordAccess(symbol string, dt marketdata.DataType, at time.Time) {
	symbol = marketdata.NormalizeSymbol(symbol)
	if symbol == "" {
		return
	}
	if at.IsZero() {
		at = w.clock.Now()
	}
	hour := at.In(w.loc).Hour()

	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.patterns[symbol]
	if !ok {
		p = newQueryPattern(symbol, at)
		w.patterns[symbol] = p
	}
	p.record(dt, at, hour)
}

// Pattern returns a copy of the pattern tracked for symbol.
func (w *Warmer) Pattern(symbol string) (QueryPattern, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.patterns[marketdata.NormalizeSymbol(symbol)]
	if !ok {
		return QueryPattern{}, false
	}
	return p.clone(), true
}

// PriorityScore returns the current warming priority of symbol.
func (w *Warmer) PriorityScore(symbol string) (float64, bool) {
	symbol = marketdata.NormalizeSymbol(symbol)
	now := w.clock.Now()

	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.patterns[symbol]
	if !ok {
		return 0, false
	}
	return priorityScore(p, now, now.In(w.loc).Hour(), w.eventActive(symbol, now)), true
}

// caller must hold w.mu
func (w *Warmer) eventActive(symbol string, now time.Time) bool {
	exp, ok := w.events[symbol]
	return ok && now.Before(exp)
}

type scored struct {
	symbol string
	score  float64
}

// GetSymbolsToWarm returns up to limit symbols with at least MinRequestThreshold requests,
// highest priority first. limit <= 0 means MaxSymbolsPerBatch.
func (w *Warmer) GetSymbolsToWarm(limit int) []string {
	if limit <= 0 {
		limit = w.maxSymbols
	}
	now := w.clock.Now()
	hour := now.In(w.loc).Hour()

	w.mu.RLock()
	candidates := make([]scored, 0, len(w.patterns))
	for sym, p := range w.patterns {
		if p.RequestCount < w.minRequests {
			continue
		}
		candidates = append(candidates, scored{sym, priorityScore(p, now, hour, w.eventActive(sym, now))})
	}
	w.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].symbol < candidates[j].symbol
	})

	n := min(limit, len(candidates))
	out := make([]string, n)
	for i := range out {
		out[i] = candidates[i].symbol
	}
	return out
}

// WarmSymbol fetches and caches each data type of symbol. A failure on one data type
// does not stop the others. nil dataTypes means the configured set.
func (w *Warmer) WarmSymbol(ctx context.Context, symbol string, dataTypes []marketdata.DataType) map[marketdata.DataType]bool {
	if len(dataTypes) == 0 {
		dataTypes = w.dataTypes
	}
	results := make(map[marketdata.DataType]bool, len(dataTypes))
	for _, dt := range dataTypes {
		err := w.warmOne(ctx, symbol, dt)
		results[dt] = err == nil
		if err != nil {
			w.logger.LogDebug(ctx, "warm failed", "symbol", symbol, "data_type", dt.String(), "error", err.Error())
		}
	}
	return results
}

func (w *Warmer) warmOne(ctx context.Context, symbol string, dt marketdata.DataType) error {
	p, ok := w.providers.GetProviderForDataType(dt, symbol)
	if !ok {
		return fmt.Errorf("%w for %s", pricing.ErrProviderNotFound, dt)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	switch dt {
	case marketdata.DataTypePrice:
		price, err := p.FetchPrice(ctx, symbol)
		if err != nil {
			return err
		}
		if price == nil {
			return pricing.ErrEmptyResult
		}
		_, err = w.cache.SetPrice(ctx, symbol, p.Name(), price)
		return err
	case marketdata.DataTypeFundamentals:
		f, err := p.FetchFundamentals(ctx, symbol)
		if err != nil {
			return err
		}
		if f == nil {
			return pricing.ErrEmptyResult
		}
		_, err = w.cache.SetFundamentals(ctx, symbol, p.Name(), f)
		return err
	default:
		return fmt.Errorf("warming %s: %w", dt, pricing.ErrUnsupported)
	}
}

// WarmCacheBatch warms symbols with at most concurrency in flight. A symbol counts as
// warmed when at least one of its data types was cached.
func (w *Warmer) WarmCacheBatch(ctx context.Context, symbols []string, concurrency int) map[string]bool {
	if concurrency <= 0 {
		concurrency = w.concurrency
	}
	ctx, span := w.tracer.StartSpan(ctx, "warmer.WarmCacheBatch",
		attribute.Int("symbols", len(symbols)), attribute.Int("concurrency", concurrency))
	defer span.End()

	results := make(map[string]bool, len(symbols))
	var mu sync.Mutex

	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range symbols {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		sym := sym
		g.Go(func() error {
			defer sem.Release(1)
			ok := false
			for _, warmed := range w.WarmSymbol(gctx, sym, nil) {
				ok = ok || warmed
			}
			w.metrics.RecordWarmedSymbol(gctx, ok)

			mu.Lock()
			results[sym] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, sym := range symbols {
		if _, ok := results[sym]; !ok {
			results[sym] = false
		}
	}
	return results
}

// IsWarmingHour reports whether now falls in the warming schedule.
func (w *Warmer) IsWarmingHour() bool {
	_, ok := w.schedule[w.clock.Now().In(w.loc).Hour()]
	return ok
}

// RunWarmingCycle warms the highest-priority symbols when the current hour is scheduled.
func (w *Warmer) RunWarmingCycle(ctx context.Context) CycleResult {
	if !w.IsWarmingHour() {
		return CycleResult{}
	}

	start := w.clock.Now()
	symbols := w.GetSymbolsToWarm(0)
	res := CycleResult{Ran: true, Symbols: len(symbols)}
	if len(symbols) > 0 {
		for _, ok := range w.WarmCacheBatch(ctx, symbols, w.concurrency) {
			if ok {
				res.Warmed++
			} else {
				res.Failed++
			}
		}
	}
	res.Duration = w.clock.Since(start)

	w.cycles.Add(1)
	w.warmed.Add(int64(res.Warmed))
	w.failures.Add(int64(res.Failed))
	w.mu.Lock()
	w.lastCycle = start
	w.mu.Unlock()

	w.logger.LogInfo(ctx, "warming cycle completed",
		"symbols", res.Symbols, "warmed", res.Warmed, "failed", res.Failed, "duration_ms", res.Duration.Milliseconds())
	return res
}

// AddMarketEvent boosts symbol until ttl elapses; ttl <= 0 uses the configured event TTL.
func (w *Warmer) AddMarketEvent(symbol string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = w.eventTTL
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[marketdata.NormalizeSymbol(symbol)] = w.clock.Now().Add(ttl)
}

// RemoveMarketEvent drops the event boost for symbol.
func (w *Warmer) RemoveMarketEvent(symbol string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, marketdata.NormalizeSymbol(symbol))
}

// ActiveEvents returns the symbols with an unexpired market event, sorted.
func (w *Warmer) ActiveEvents() []string {
	now := w.clock.Now()
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]string, 0, len(w.events))
	for sym := range w.events {
		if w.eventActive(sym, now) {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// ClearOldPatterns removes patterns not accessed within days (the configured retention when
// days <= 0) and expired market events. It returns the number of patterns removed.
func (w *Warmer) ClearOldPatterns(days int) int {
	retention := w.retention
	if days > 0 {
		retention = time.Duration(days) * 24 * time.Hour
	}
	now := w.clock.Now()
	cutoff := now.Add(-retention)

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for sym, p := range w.patterns {
		if p.LastAccessed.Before(cutoff) {
			delete(w.patterns, sym)
			removed++
		}
	}
	for sym := range w.events {
		if !w.eventActive(sym, now) {
			delete(w.events, sym)
		}
	}
	return removed
}

// Start runs warming cycles every Interval until Stop or ctx is done.
func (w *Warmer) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx, w.done)
	w.logger.LogInfo(ctx, "warmer started", "interval", w.interval.String())
	return nil
}

func (w *Warmer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			w.RunWarmingCycle(ctx)
		}
	}
}

// Stop cancels the background loop and waits for the running cycle to finish.
func (w *Warmer) Stop() {
	w.runMu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.LogInfo(context.Background(), "warmer stopped")
}

// Stats returns a snapshot of the warmer.
func (w *Warmer) Stats() Stats {
	events := w.ActiveEvents()

	w.mu.RLock()
	tracked, last := len(w.patterns), w.lastCycle
	w.mu.RUnlock()

	return Stats{
		TrackedSymbols: tracked,
		ActiveEvents:   events,
		Cycles:         w.cycles.Load(),
		SymbolsWarmed:  w.warmed.Load(),
		WarmFailures:   w.failures.Load(),
		LastCycle:      last,
	}
}
