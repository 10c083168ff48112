package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agatticelli/market-cache/internal/platform/observability"
)

// RedisConfig holds fast-tier connection settings.
type RedisConfig struct {
	Address      string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// OperationTimeout bounds every single call against Redis.
	OperationTimeout time.Duration

	// ScanCount is the COUNT hint for SCAN and the delete batch size of ClearPattern.
	ScanCount int64
}

// RedisStats is a snapshot of fast-tier counters.
type RedisStats struct {
	Initialized bool    `json:"initialized"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Sets        int64   `json:"sets"`
	Deletes     int64   `json:"deletes"`
	Errors      int64   `json:"errors"`
	Keys        int64   `json:"keys"`
	UsedMemory  int64   `json:"used_memory_bytes"`
}

// RedisStore is the fast tier. Values are stored as JSON. Backend failures are logged
// and reported as misses or false, never returned to callers.
type RedisStore struct {
	cfg     RedisConfig
	client  atomic.Pointer[redis.Client]
	logger  *observability.Logger
	metrics *observability.Metrics

	hookMu sync.RWMutex
	hook   AccessHook

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errs    atomic.Int64
}

// NewRedisStore creates an uninitialized fast tier.
func NewRedisStore(cfg RedisConfig, logger *observability.Logger, metrics *observability.Metrics) *RedisStore {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 250 * time.Millisecond
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 500
	}

	return &RedisStore{
		cfg:     cfg,
		logger:  observability.OrNop(logger).Component("redis-store"),
		metrics: metrics,
	}
}

// Initialize connects and pings Redis.
func (s *RedisStore) Initialize(ctx context.Context) error {
	if s.client.Load() != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         s.cfg.Address,
		Username:     s.cfg.Username,
		Password:     s.cfg.Password,
		DB:           s.cfg.DB,
		PoolSize:     s.cfg.PoolSize,
		MinIdleConns: s.cfg.MinIdleConns,
		DialTimeout:  s.cfg.DialTimeout,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis at %s: %w", s.cfg.Address, &BackendError{Tier: TierFast, Op: "ping", Err: err})
	}

	if !s.client.CompareAndSwap(nil, client) {
		_ = client.Close()
	}
	s.logger.LogInfo(ctx, "fast tier initialized", "address", s.cfg.Address, "db", s.cfg.DB)
	return nil
}

// Shutdown closes the connection pool. The store can be initialized again afterwards.
func (s *RedisStore) Shutdown() error {
	client := s.client.Swap(nil)
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}
	return nil
}

// Ready reports whether Initialize has succeeded.
func (s *RedisStore) Ready() bool {
	return s.client.Load() != nil
}

// SetAccessHook installs the callback notified on every lookup.
func (s *RedisStore) SetAccessHook(hook AccessHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hook = hook
}

func (s *RedisStore) notify(key string, hit bool) {
	s.hookMu.RLock()
	hook := s.hook
	s.hookMu.RUnlock()
	if hook != nil {
		hook(key, hit)
	}
}

func (s *RedisStore) conn() (*redis.Client, error) {
	client := s.client.Load()
	if client == nil {
		return nil, ErrNotInitialized
	}
	return client, nil
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

func (s *RedisStore) observe(ctx context.Context, op string, start time.Time) {
	s.metrics.RecordCacheOperation(ctx, TierFast, op, time.Since(start))
}

func (s *RedisStore) backendFailure(ctx context.Context, op, key string, err error) {
	s.errs.Add(1)
	s.metrics.RecordBackendError(ctx, TierFast, op)
	s.logger.LogWarn(ctx, "fast tier operation failed",
		"tier", TierFast, "op", op, "key", key,
		"error", (&BackendError{Tier: TierFast, Op: op, Err: err}).Error())
}

// Get returns the stored JSON for key.
func (s *RedisStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	client, err := s.conn()
	if err != nil {
		return nil, false, err
	}
	defer s.observe(ctx, "get", time.Now())

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	val, err := client.Get(opCtx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		s.misses.Add(1)
		s.notify(key, false)
		return nil, false, nil
	case err != nil:
		s.backendFailure(ctx, "get", key, err)
		s.misses.Add(1)
		s.notify(key, false)
		return nil, false, nil
	}

	s.hits.Add(1)
	s.notify(key, true)
	return json.RawMessage(val), true, nil
}

// Set stores value under key. A ttl <= 0 stores without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	client, err := s.conn()
	if err != nil {
		return false, err
	}
	defer s.observe(ctx, "set", time.Now())

	data, err := encode(value)
	if err != nil {
		s.errs.Add(1)
		s.logger.LogWarn(ctx, "fast tier value not serializable", "tier", TierFast, "key", key, "error", err.Error())
		return false, nil
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := client.Set(opCtx, key, data, redisTTL(ttl)).Err(); err != nil {
		s.backendFailure(ctx, "set", key, err)
		return false, nil
	}
	s.sets.Add(1)
	return true, nil
}

// Delete removes key and reports whether it existed.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	client, err := s.conn()
	if err != nil {
		return false, err
	}
	defer s.observe(ctx, "delete", time.Now())

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := client.Del(opCtx, key).Result()
	if err != nil {
		s.backendFailure(ctx, "delete", key, err)
		return false, nil
	}
	s.deletes.Add(n)
	return n > 0, nil
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	client, err := s.conn()
	if err != nil {
		return false, err
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := client.Exists(opCtx, key).Result()
	if err != nil {
		s.backendFailure(ctx, "exists", key, err)
		return false, nil
	}
	return n > 0, nil
}

// GetTTL returns the remaining lifetime of key; NoExpiry for persistent keys.
func (s *RedisStore) GetTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	client, err := s.conn()
	if err != nil {
		return 0, false, err
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	ttl, err := client.TTL(opCtx, key).Result()
	if err != nil {
		s.backendFailure(ctx, "ttl", key, err)
		return 0, false, nil
	}

	// go-redis reports -2 for a missing key and -1 for a key without expiry
	switch ttl {
	case -2:
		return 0, false, nil
	case -1:
		return NoExpiry, true, nil
	}
	return ttl, true, nil
}

// maxClearPasses bounds the SCAN passes ClearPattern makes.
const maxClearPasses = 16

// ClearPattern deletes every key matching a glob pattern. Keys are streamed with SCAN
// and deleted in batches, never loading the whole key space at once. Deleting while
// scanning can move unvisited keys behind the cursor on some servers, so passes repeat
// until one deletes nothing.
func (s *RedisStore) ClearPattern(ctx context.Context, pattern string) (int64, error) {
	client, err := s.conn()
	if err != nil {
		return 0, err
	}
	defer s.observe(ctx, "clear_pattern", time.Now())

	var deleted int64
	for pass := 0; pass < maxClearPasses; pass++ {
		n, ok := s.clearPass(ctx, client, pattern)
		deleted += n
		if !ok || n == 0 {
			break
		}
	}

	s.deletes.Add(deleted)
	return deleted, nil
}

// clearPass runs one SCAN over the key space, deleting matches as each batch fills.
// ok is false when the backend failed.
func (s *RedisStore) clearPass(ctx context.Context, client *redis.Client, pattern string) (deleted int64, ok bool) {
	batch := make([]string, 0, s.cfg.ScanCount)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		opCtx, cancel := s.opContext(ctx)
		defer cancel()
		n, err := client.Del(opCtx, batch...).Result()
		if err != nil {
			s.backendFailure(ctx, "clear_pattern", pattern, err)
			return false
		}
		deleted += n
		batch = batch[:0]
		return true
	}

	iter := client.Scan(ctx, 0, pattern, s.cfg.ScanCount).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= s.cfg.ScanCount && !flush() {
			return deleted, false
		}
	}
	if err := iter.Err(); err != nil {
		s.backendFailure(ctx, "scan", pattern, err)
		flush()
		return deleted, false
	}
	return deleted, flush()
}

// GetMany fetches keys with a single MGET. The result is aligned with keys; missing
// entries are nil.
func (s *RedisStore) GetMany(ctx context.Context, keys []string) ([]json.RawMessage, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	defer s.observe(ctx, "get_many", time.Now())

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	vals, err := client.MGet(opCtx, keys...).Result()
	if err != nil {
		s.backendFailure(ctx, "get_many", strings.Join(keys, ","), err)
		s.misses.Add(int64(len(keys)))
		for _, k := range keys {
			s.notify(k, false)
		}
		return out, nil
	}

	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			s.misses.Add(1)
			s.notify(keys[i], false)
			continue
		}
		out[i] = json.RawMessage(str)
		s.hits.Add(1)
		s.notify(keys[i], true)
	}
	return out, nil
}

// SetMany writes items in one pipelined round trip and returns how many were stored.
func (s *RedisStore) SetMany(ctx context.Context, items []Item) (int, error) {
	client, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	defer s.observe(ctx, "set_many", time.Now())

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	pipe := client.Pipeline()
	cmds := make([]*redis.StatusCmd, 0, len(items))
	for _, it := range items {
		data, err := encode(it.Value)
		if err != nil {
			s.errs.Add(1)
			s.logger.LogWarn(ctx, "fast tier value not serializable", "tier", TierFast, "key", it.Key, "error", err.Error())
			continue
		}
		cmds = append(cmds, pipe.Set(opCtx, it.Key, data, redisTTL(it.TTL)))
	}
	if len(cmds) == 0 {
		return 0, nil
	}

	// Exec returns the first failed command's error; per-command results are checked below.
	if _, err := pipe.Exec(opCtx); err != nil && !errors.Is(err, redis.Nil) {
		s.backendFailure(ctx, "set_many", fmt.Sprintf("%d items", len(cmds)), err)
	}

	// A transport failure leaves queued commands without a reply and without an error,
	// so only an OK reply counts as stored.
	stored := 0
	for _, cmd := range cmds {
		if cmd.Err() == nil && cmd.Val() == "OK" {
			stored++
		}
	}
	s.sets.Add(int64(stored))
	return stored, nil
}

// GetStats returns counters plus key count and memory usage when the server reports them.
func (s *RedisStore) GetStats(ctx context.Context) (RedisStats, error) {
	stats := RedisStats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Sets:    s.sets.Load(),
		Deletes: s.deletes.Load(),
		Errors:  s.errs.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	client, err := s.conn()
	if err != nil {
		return stats, err
	}
	stats.Initialized = true

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if n, err := client.DBSize(opCtx).Result(); err == nil {
		stats.Keys = n
	}
	if info, err := client.Info(opCtx, "memory").Result(); err == nil {
		stats.UsedMemory = parseUsedMemory(info)
	}
	return stats, nil
}

func parseUsedMemory(info string) int64 {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "used_memory:"); ok {
			n, _ := strconv.ParseInt(v, 10, 64)
			return n
		}
	}
	return 0
}

func redisTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}
