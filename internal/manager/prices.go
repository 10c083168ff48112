package manager

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/market-cache/internal/analytics"
	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/platform/cache"
)

// GetPrice returns the cached price of asset from provider. An empty provider reads the
// "default" L1 key and accepts any provider from L2.
func (m *Manager) GetPrice(ctx context.Context, asset, provider string) (*marketdata.Price, bool, error) {
	start := time.Now()
	key := marketdata.PriceKey(asset, provider)

	raw, found, err := m.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		price, err := cache.Decode[marketdata.Price](raw)
		if err == nil {
			m.recordAccess(ctx, key, marketdata.DataTypePrice, analytics.LevelL1, start)
			return &price, true, nil
		}
		m.logger.LogWarn(ctx, "cached price not decodable", "key", key, "error", err.Error())
	}

	if m.l2 != nil {
		price, found, err := m.l2.GetPrice(ctx, asset, provider, m.priceLookback)
		if err == nil && found {
			m.backfill(ctx, key, price, m.policy.ResolveTTL(marketdata.DataTypePrice, asset))
			m.recordAccess(ctx, key, marketdata.DataTypePrice, analytics.LevelL2, start)
			return price, true, nil
		}
	}

	m.recordAccess(ctx, key, marketdata.DataTypePrice, analytics.LevelMiss, start)
	return nil, false, nil
}

// SetPrice caches price for asset/provider in L1 with the policy TTL and appends it to
// the durable price history.
func (m *Manager) SetPrice(ctx context.Context, asset, provider string, price *marketdata.Price) (bool, error) {
	if price == nil {
		return false, nil
	}
	p := *price
	p.Symbol = marketdata.NormalizeSymbol(asset)
	if provider != "" {
		p.Provider = provider
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = m.clock.Now()
	}

	ttl := m.policy.ResolveTTL(marketdata.DataTypePrice, asset)
	key := marketdata.PriceKey(asset, provider)
	ok, err := m.l1.Set(ctx, key, &p, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		m.writes.Add(1)
		m.trackWrite(key)
	}

	if m.l2 != nil {
		if _, err := m.l2.SetPrice(ctx, &p, ttl); err != nil && !errors.Is(err, cache.ErrNotInitialized) {
			m.logger.LogWarn(ctx, "durable price write failed", "asset", p.Symbol, "error", err.Error())
		}
	}
	return ok, nil
}

// GetFundamentals returns cached fundamentals of asset, falling back to L2.
func (m *Manager) GetFundamentals(ctx context.Context, asset, provider string) (*marketdata.Fundamentals, bool, error) {
	start := time.Now()
	key := marketdata.FundamentalsKey(asset, provider)

	raw, found, err := m.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		f, err := cache.Decode[marketdata.Fundamentals](raw)
		if err == nil {
			m.recordAccess(ctx, key, marketdata.DataTypeFundamentals, analytics.LevelL1, start)
			return &f, true, nil
		}
		m.logger.LogWarn(ctx, "cached fundamentals not decodable", "key", key, "error", err.Error())
	}

	if m.l2 != nil {
		f, found, err := m.l2.GetFundamentals(ctx, asset, provider)
		if err == nil && found {
			m.backfill(ctx, key, f, m.policy.ResolveTTL(marketdata.DataTypeFundamentals, asset))
			m.recordAccess(ctx, key, marketdata.DataTypeFundamentals, analytics.LevelL2, start)
			return f, true, nil
		}
	}

	m.recordAccess(ctx, key, marketdata.DataTypeFundamentals, analytics.LevelMiss, start)
	return nil, false, nil
}

// SetFundamentals caches fundamentals in L1 and upserts them into L2.
func (m *Manager) SetFundamentals(ctx context.Context, asset, provider string, f *marketdata.Fundamentals) (bool, error) {
	if f == nil {
		return false, nil
	}
	v := *f
	v.Symbol = marketdata.NormalizeSymbol(asset)
	if provider != "" {
		v.Provider = provider
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = m.clock.Now()
	}

	ttl := m.policy.ResolveTTL(marketdata.DataTypeFundamentals, asset)
	key := marketdata.FundamentalsKey(asset, provider)
	ok, err := m.l1.Set(ctx, key, &v, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		m.writes.Add(1)
		m.trackWrite(key)
	}

	if m.l2 != nil {
		if _, err := m.l2.SetFundamentals(ctx, &v, ttl); err != nil && !errors.Is(err, cache.ErrNotInitialized) {
			m.logger.LogWarn(ctx, "durable fundamentals write failed", "asset", v.Symbol, "error", err.Error())
		}
	}
	return ok, nil
}

// GetOHLCV reads candles from the durable tier; nil without one.
func (m *Manager) GetOHLCV(ctx context.Context, asset, timeframe string, limit int, provider string) ([]marketdata.OHLCV, error) {
	if m.l2 == nil {
		return nil, nil
	}
	return m.l2.GetOHLCV(ctx, asset, timeframe, limit, provider)
}

// GetPricesBatch reads the prices of assets with a single L1 round trip. The result is
// aligned with assets; misses are nil.
func (m *Manager) GetPricesBatch(ctx context.Context, assets []string, provider string) ([]*marketdata.Price, error) {
	ctx, span := m.tracer.StartSpan(ctx, "cache.GetPricesBatch", attribute.Int("assets", len(assets)))
	defer span.End()

	out := make([]*marketdata.Price, len(assets))
	if len(assets) == 0 {
		return out, nil
	}

	start := time.Now()
	keys := make([]string, len(assets))
	for i, a := range assets {
		keys[i] = marketdata.PriceKey(a, provider)
	}

	raws, err := m.l1.GetMany(ctx, keys)
	if err != nil {
		span.NoticeError(err)
		return nil, err
	}

	hits := 0
	for i, raw := range raws {
		level := analytics.LevelMiss
		if raw != nil {
			if price, err := cache.Decode[marketdata.Price](raw); err == nil {
				out[i] = &price
				level = analytics.LevelL1
				hits++
			}
		}
		m.recordAccess(ctx, keys[i], marketdata.DataTypePrice, level, start)
	}

	span.SetAttributes(attribute.Int("hits", hits))
	return out, nil
}

// SetPricesBatch writes prices with a single L1 pipeline, each with its own policy TTL,
// and appends them to L2 in one transaction. Each price is keyed by its own Symbol and
// Provider. It returns the number written to L1.
func (m *Manager) SetPricesBatch(ctx context.Context, prices []*marketdata.Price) (int, error) {
	ctx, span := m.tracer.StartSpan(ctx, "cache.SetPricesBatch", attribute.Int("prices", len(prices)))
	defer span.End()

	now := m.clock.Now()
	items := make([]cache.Item, 0, len(prices))
	entries := make([]cache.PriceEntry, 0, len(prices))
	for _, price := range prices {
		if price == nil || price.Symbol == "" {
			continue
		}
		p := *price
		p.Symbol = marketdata.NormalizeSymbol(p.Symbol)
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		}
		ttl := m.policy.ResolveTTL(marketdata.DataTypePrice, p.Symbol)
		items = append(items, cache.Item{Key: marketdata.PriceKey(p.Symbol, p.Provider), Value: &p, TTL: ttl})
		entries = append(entries, cache.PriceEntry{Price: &p, TTL: ttl})
	}
	if len(items) == 0 {
		return 0, nil
	}

	stored, err := m.l1.SetMany(ctx, items)
	if err != nil {
		span.NoticeError(err)
		return 0, err
	}
	m.writes.Add(int64(stored))
	for _, it := range items {
		m.trackWrite(it.Key)
	}

	if m.l2 != nil {
		if _, err := m.l2.SetPrices(ctx, entries); err != nil && !errors.Is(err, cache.ErrNotInitialized) {
			m.logger.LogWarn(ctx, "durable batch price write failed", "prices", len(entries), "error", err.Error())
		}
	}

	span.SetAttributes(attribute.Int("stored", stored))
	return stored, nil
}
