// Package manager coordinates the fast and durable cache tiers: it applies the dynamic TTL
// policy, falls back from L1 to L2, implements read-through and feeds analytics.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/agatticelli/market-cache/internal/analytics"
	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/platform/cache"
	"github.com/agatticelli/market-cache/internal/platform/observability"
)

// FastTier is the L1 contract the manager relies on.
type FastTier interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	ClearPattern(ctx context.Context, pattern string) (int64, error)
	GetMany(ctx context.Context, keys []string) ([]json.RawMessage, error)
	SetMany(ctx context.Context, items []cache.Item) (int, error)
	GetStats(ctx context.Context) (cache.RedisStats, error)
}

// DurableTier is the L2 contract the manager relies on.
type DurableTier interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	ClearPattern(ctx context.Context, pattern string) (int64, error)
	DeleteAsset(ctx context.Context, asset string) (int64, error)
	GetPrice(ctx context.Context, asset, provider string, lookback time.Duration) (*marketdata.Price, bool, error)
	SetPrice(ctx context.Context, price *marketdata.Price, ttl time.Duration) (bool, error)
	SetPrices(ctx context.Context, entries []cache.PriceEntry) (int, error)
	GetFundamentals(ctx context.Context, asset, provider string) (*marketdata.Fundamentals, bool, error)
	SetFundamentals(ctx context.Context, f *marketdata.Fundamentals, ttl time.Duration) (bool, error)
	GetOHLCV(ctx context.Context, asset, timeframe string, limit int, provider string) ([]marketdata.OHLCV, error)
	GetStats(ctx context.Context) (cache.PostgresStats, error)
}

type accessHookSetter interface {
	SetAccessHook(hook cache.AccessHook)
}

// AccessObserver is told about every symbol lookup, hit or miss.
type AccessObserver func(symbol string, dt marketdata.DataType, at time.Time)

// EvictionConfig configures access tracking and memory-pressure eviction.
type EvictionConfig struct {
	Enabled    bool
	Policy     cache.EvictionPolicy
	MaxEntries int
	// Threshold is the fraction of MaxEntries at which RelieveMemoryPressure evicts.
	Threshold float64
}

// Config wires a Manager.
type Config struct {
	FastTier FastTier
	// DurableTier is optional; without it the manager runs L1-only.
	DurableTier DurableTier
	Policy      *TTLPolicy
	Analytics   *analytics.Analytics
	Eviction    EvictionConfig

	// L1BackfillTTL caps the TTL of entries copied from L2 into L1. Default 1m.
	L1BackfillTTL time.Duration
	// PriceLookback bounds how old an L2 price may be. Default 15m.
	PriceLookback time.Duration
	// FetchTimeout bounds read-through fetches. Default 10s.
	FetchTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
	Clock   clockwork.Clock
}

// Manager is the cache entry point for the application layer.
type Manager struct {
	l1        FastTier
	l2        DurableTier
	policy    *TTLPolicy
	analytics *analytics.Analytics
	tracker   *cache.AccessTracker
	eviction  EvictionConfig

	backfillTTL   time.Duration
	priceLookback time.Duration
	fetchTimeout  time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
	clock   clockwork.Clock

	flights  singleflight.Group
	observer atomic.Pointer[AccessObserver]

	l1Hits    atomic.Int64
	l2Hits    atomic.Int64
	misses    atomic.Int64
	writes    atomic.Int64
	fetches   atomic.Int64
	fetchErrs atomic.Int64
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.FastTier == nil {
		return nil, fmt.Errorf("fast tier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Policy == nil {
		cfg.Policy = NewTTLPolicy(TTLPolicyConfig{Clock: cfg.Clock})
	}
	if cfg.Analytics == nil {
		cfg.Analytics = analytics.New(analytics.Config{Clock: cfg.Clock})
	}
	if cfg.L1BackfillTTL <= 0 {
		cfg.L1BackfillTTL = time.Minute
	}
	if cfg.PriceLookback <= 0 {
		cfg.PriceLookback = 15 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Eviction.MaxEntries <= 0 {
		cfg.Eviction.MaxEntries = 10000
	}
	if cfg.Eviction.Threshold <= 0 || cfg.Eviction.Threshold > 1 {
		cfg.Eviction.Threshold = 0.9
	}

	m := &Manager{
		l1:            cfg.FastTier,
		l2:            cfg.DurableTier,
		policy:        cfg.Policy,
		analytics:     cfg.Analytics,
		eviction:      cfg.Eviction,
		backfillTTL:   cfg.L1BackfillTTL,
		priceLookback: cfg.PriceLookback,
		fetchTimeout:  cfg.FetchTimeout,
		logger:        observability.OrNop(cfg.Logger).Component("cache-manager"),
		metrics:       cfg.Metrics,
		tracer:        observability.OrNoopTracer(cfg.Tracer),
		clock:         cfg.Clock,
	}

	if cfg.Eviction.Enabled {
		tracker, err := cache.NewAccessTracker(cache.TrackerConfig{
			Policy:     cfg.Eviction.Policy,
			MaxEntries: cfg.Eviction.MaxEntries,
			OnEvict:    m.onTrackerEvict,
			Clock:      cfg.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create access tracker: %w", err)
		}
		m.tracker = tracker
		if hs, ok := cfg.FastTier.(accessHookSetter); ok {
			hs.SetAccessHook(func(key string, hit bool) {
				if hit {
					tracker.RecordAccess(key)
				}
			})
		}
	}

	return m, nil
}

// Analytics returns the analytics collector fed by the manager.
func (m *Manager) Analytics() *analytics.Analytics {
	return m.analytics
}

// Policy returns the TTL policy.
func (m *Manager) Policy() *TTLPolicy {
	return m.policy
}

// Tracker returns the access tracker, or nil when eviction tracking is disabled.
func (m *Manager) Tracker() *cache.AccessTracker {
	return m.tracker
}

// SetAccessObserver registers fn to be told about every symbol lookup.
func (m *Manager) SetAccessObserver(fn AccessObserver) {
	if fn == nil {
		m.observer.Store(nil)
		return
	}
	m.observer.Store(&fn)
}

// ResolveTTL exposes the dynamic TTL policy.
func (m *Manager) ResolveTTL(dt marketdata.DataType, asset string) time.Duration {
	return m.policy.ResolveTTL(dt, asset)
}

// onTrackerEvict reports tracker drops. Capacity drops only shorten the tracker's
// bookkeeping and leave the key in L1, so they are not L1 evictions.
func (m *Manager) onTrackerEvict(key, reason string) {
	if reason == cache.EvictReasonCapacity {
		m.logger.LogDebug(context.Background(), "key dropped from access tracking", "key", key)
		return
	}
	m.analytics.RecordEviction(key, reason, analytics.LevelL1)
	m.metrics.RecordEviction(context.Background(), reason)
}

func (m *Manager) notify(key string, dt marketdata.DataType) {
	obs := m.observer.Load()
	if obs == nil {
		return
	}
	symbol, ok := marketdata.SymbolOfKey(key)
	if !ok {
		return
	}
	(*obs)(symbol, dt, m.clock.Now())
}

// recordAccess feeds analytics, metrics and the observer for one lookup.
func (m *Manager) recordAccess(ctx context.Context, key string, dt marketdata.DataType, level string, start time.Time) {
	hit := level != analytics.LevelMiss
	switch level {
	case analytics.LevelL1:
		m.l1Hits.Add(1)
	case analytics.LevelL2:
		m.l2Hits.Add(1)
	default:
		m.misses.Add(1)
	}

	m.analytics.RecordCacheAccess(dt, hit, time.Since(start), level, key)
	tier := level
	if !hit {
		tier = cache.TierFast
	}
	m.metrics.RecordCacheRequest(ctx, tier, dt.String(), hit)
	m.notify(key, dt)
}

func (m *Manager) trackWrite(key string) {
	if m.tracker != nil {
		m.tracker.RecordAccess(key)
	}
}

// keyDataType returns the data type encoded in key, or "generic" for free-form keys.
func keyDataType(key string) marketdata.DataType {
	if dt, ok := marketdata.DataTypeOfKey(key); ok {
		return dt
	}
	return marketdata.DataType("generic")
}

func keyAsset(key string) string {
	symbol, _ := marketdata.SymbolOfKey(key)
	return symbol
}

// Get looks key up in L1, then L2. An L2 hit is copied back into L1 with a capped TTL.
func (m *Manager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	start := time.Now()
	dt := keyDataType(key)

	raw, found, err := m.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		m.recordAccess(ctx, key, dt, analytics.LevelL1, start)
		return raw, true, nil
	}

	if m.l2 != nil {
		raw, found, err = m.l2.Get(ctx, key)
		if err == nil && found {
			m.backfill(ctx, key, raw, m.policy.ResolveTTL(dt, keyAsset(key)))
			m.recordAccess(ctx, key, dt, analytics.LevelL2, start)
			return raw, true, nil
		}
		if err != nil && !errors.Is(err, cache.ErrNotInitialized) {
			m.logger.LogWarn(ctx, "durable tier lookup failed", "key", key, "error", err.Error())
		}
	}

	m.recordAccess(ctx, key, dt, analytics.LevelMiss, start)
	return nil, false, nil
}

func (m *Manager) backfill(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 || ttl > m.backfillTTL {
		ttl = m.backfillTTL
	}
	if ok, _ := m.l1.Set(ctx, key, value, ttl); ok {
		m.trackWrite(key)
	}
}

// Set writes value into L1. A zero ttl resolves the TTL from the policy using the data
// type and symbol encoded in key; cache.NoExpiry stores without expiry.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if ttl == 0 {
		ttl = m.policy.ResolveTTL(keyDataType(key), keyAsset(key))
	}
	ok, err := m.l1.Set(ctx, key, value, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		m.writes.Add(1)
		m.trackWrite(key)
	}
	return ok, nil
}

// Delete removes key from both tiers and reports whether any tier held it.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	deleted, err := m.l1.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	if m.tracker != nil {
		m.tracker.Release(key)
	}
	if m.l2 != nil {
		if ok, err := m.l2.Delete(ctx, key); err == nil && ok {
			deleted = true
		}
	}
	return deleted, nil
}

// Exists reports whether key is present in L1 or L2.
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := m.l1.Exists(ctx, key)
	if err != nil || ok {
		return ok, err
	}
	if m.l2 != nil {
		if ok, err := m.l2.Exists(ctx, key); err == nil {
			return ok, nil
		}
	}
	return false, nil
}

// InvalidateAsset deletes every key carrying asset as a segment from both tiers, along with
// the asset's durable price, fundamentals and candle rows. It returns the number of L1 keys removed.
func (m *Manager) InvalidateAsset(ctx context.Context, asset string) (int64, error) {
	pattern := marketdata.AssetPattern(asset)
	n, err := m.l1.ClearPattern(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if m.l2 != nil {
		if _, err := m.l2.ClearPattern(ctx, pattern); err != nil && !errors.Is(err, cache.ErrNotInitialized) {
			m.logger.LogWarn(ctx, "durable tier invalidation failed", "asset", asset, "error", err.Error())
		}
		// Price and fundamentals reads fall back to these rows and would refill L1.
		if _, err := m.l2.DeleteAsset(ctx, asset); err != nil && !errors.Is(err, cache.ErrNotInitialized) {
			m.logger.LogWarn(ctx, "durable tier asset delete failed", "asset", asset, "error", err.Error())
		}
	}
	m.logger.LogInfo(ctx, "asset invalidated", "asset", marketdata.NormalizeSymbol(asset), "keys", n)
	return n, nil
}

// Stats is a snapshot of both tiers and the manager's own counters.
type Stats struct {
	L1Hits         int64                `json:"l1_hits"`
	L2Hits         int64                `json:"l2_hits"`
	Misses         int64                `json:"misses"`
	Writes         int64                `json:"writes"`
	Fetches        int64                `json:"fetches"`
	FetchErrors    int64                `json:"fetch_errors"`
	HitRate        float64              `json:"hit_rate"`
	FastTier       cache.RedisStats     `json:"fast_tier"`
	DurableTier    *cache.PostgresStats `json:"durable_tier,omitempty"`
	EvictionPolicy string               `json:"eviction_policy,omitempty"`
	TrackedKeys    int                  `json:"tracked_keys"`
	Analytics      analytics.Report     `json:"analytics"`
}

// GetStats collects stats from every component. Tier failures leave their section zeroed.
func (m *Manager) GetStats(ctx context.Context) Stats {
	s := Stats{
		L1Hits:      m.l1Hits.Load(),
		L2Hits:      m.l2Hits.Load(),
		Misses:      m.misses.Load(),
		Writes:      m.writes.Load(),
		Fetches:     m.fetches.Load(),
		FetchErrors: m.fetchErrs.Load(),
		Analytics:   m.analytics.Report(),
	}
	if total := s.L1Hits + s.L2Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.L1Hits+s.L2Hits) / float64(total)
	}

	s.FastTier, _ = m.l1.GetStats(ctx)
	if m.l2 != nil {
		if ds, err := m.l2.GetStats(ctx); err == nil {
			s.DurableTier = &ds
		}
	}
	if m.tracker != nil {
		s.EvictionPolicy = string(m.tracker.Policy())
		s.TrackedKeys = m.tracker.Len()
	}
	return s
}

// RelieveMemoryPressure evicts the coldest tracked keys from L1 once the key count reaches
// the eviction threshold, bringing it back under. It returns the number of keys evicted.
func (m *Manager) RelieveMemoryPressure(ctx context.Context) (int, error) {
	if m.tracker == nil {
		return 0, nil
	}
	stats, err := m.l1.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	maxEntries := int64(m.eviction.MaxEntries)
	if !cache.ShouldEvict(stats.Keys, maxEntries, m.eviction.Threshold) {
		return 0, nil
	}

	limit := int64(float64(maxEntries) * m.eviction.Threshold)
	excess := int(stats.Keys - limit + 1)
	candidates := m.tracker.GetEvictionCandidates(excess)

	evicted := make([]string, 0, len(candidates))
	for _, key := range candidates {
		if _, err := m.l1.Delete(ctx, key); err != nil {
			return len(evicted), err
		}
		evicted = append(evicted, key)
	}
	m.tracker.Evict(evicted, cache.EvictReasonPressure)

	m.logger.LogInfo(ctx, "memory pressure relieved",
		"keys", stats.Keys, "max_entries", maxEntries, "evicted", len(evicted))
	return len(evicted), nil
}
