package manager

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/market-cache/internal/analytics"
	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/platform/cache"
)

// FetchFunc loads a value from the authoritative source on a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// GetWithReadThrough returns the L1 value for key or, on a miss, calls fetch, caches the
// result with the policy TTL for dt and asset, and returns it. Fetch failures are
// recorded in analytics and reported as a miss. Concurrent misses on the same key share
// one fetch. asset may be empty, in which case it is taken from key.
func (m *Manager) GetWithReadThrough(ctx context.Context, key string, dt marketdata.DataType, fetch FetchFunc, asset string) (json.RawMessage, bool, error) {
	ctx, span := m.tracer.StartSpan(ctx, "cache.GetWithReadThrough",
		attribute.String("cache.key", key), attribute.String("cache.data_type", dt.String()))
	defer span.End()

	start := time.Now()
	raw, found, err := m.l1.Get(ctx, key)
	if err != nil {
		span.NoticeError(err)
		return nil, false, err
	}
	if found {
		m.recordAccess(ctx, key, dt, analytics.LevelL1, start)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return raw, true, nil
	}
	m.recordAccess(ctx, key, dt, analytics.LevelMiss, start)
	span.SetAttributes(attribute.Bool("cache.hit", false))

	if asset == "" {
		asset = keyAsset(key)
	}

	v, err, shared := m.flights.Do(key, func() (any, error) {
		return m.fetchAndStore(ctx, key, dt, fetch, asset)
	})
	if err != nil {
		span.NoticeError(err)
		return nil, false, nil
	}
	span.SetAttributes(attribute.Bool("cache.shared_fetch", shared))
	return v.(json.RawMessage), true, nil
}

func (m *Manager) fetchAndStore(ctx context.Context, key string, dt marketdata.DataType, fetch FetchFunc, asset string) (json.RawMessage, error) {
	m.fetches.Add(1)

	// shared by every waiter, so the first caller's cancellation must not abort it
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.fetchTimeout)
	defer cancel()

	value, err := fetch(fctx)
	if err != nil {
		m.fetchErrs.Add(1)
		m.analytics.RecordError(dt, "fetch")
		m.metrics.RecordError(ctx, "fetch")
		m.logger.LogWarn(ctx, "read-through fetch failed", "key", key, "data_type", dt.String(), "error", err.Error())
		return nil, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		m.fetchErrs.Add(1)
		m.analytics.RecordError(dt, "serialization")
		m.logger.LogWarn(ctx, "read-through value not serializable", "key", key, "error", err.Error())
		return nil, err
	}

	ttl := m.policy.ResolveTTL(dt, asset)
	if ok, _ := m.l1.Set(ctx, key, json.RawMessage(raw), ttl); ok {
		m.writes.Add(1)
		m.trackWrite(key)
	}
	return json.RawMessage(raw), nil
}

// ReadThrough is the typed form of GetWithReadThrough.
func ReadThrough[T any](ctx context.Context, m *Manager, key string, dt marketdata.DataType, asset string, fetch func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	raw, found, err := m.GetWithReadThrough(ctx, key, dt, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, asset)
	if err != nil || !found {
		return zero, false, err
	}
	v, err := cache.Decode[T](raw)
	if err != nil {
		m.logger.LogWarn(ctx, "read-through value not decodable", "key", key, "error", err.Error())
		return zero, false, nil
	}
	return v, true, nil
}
