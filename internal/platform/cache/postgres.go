package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"

	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/platform/observability"
)

// PostgresConfig holds durable-tier settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// QueryTimeout bounds every statement; larger than the fast tier's operation timeout.
	QueryTimeout time.Duration
	AutoMigrate  bool
}

// PostgresStats holds row counts per table.
type PostgresStats struct {
	Initialized  bool  `json:"initialized"`
	Entries      int64 `json:"entries" db:"entries"`
	Prices       int64 `json:"prices" db:"prices"`
	Fundamentals int64 `json:"fundamentals" db:"fundamentals"`
	Candles      int64 `json:"candles" db:"candles"`
	Errors       int64 `json:"errors"`
}

// PriceEntry is one row of a batched price write.
type PriceEntry struct {
	Price *marketdata.Price
	TTL   time.Duration
}

// expiry is evaluated lazily at read time against the store clock.
const notExpired = `(ttl_seconds IS NULL OR created_at + ttl_seconds * INTERVAL '1 second' > $%d)`

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
		key         TEXT PRIMARY KEY,
		value       JSONB NOT NULL,
		ttl_seconds BIGINT,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS price_cache (
		id          BIGSERIAL PRIMARY KEY,
		asset_id    TEXT NOT NULL,
		provider    TEXT NOT NULL,
		price       DOUBLE PRECISION NOT NULL,
		data        JSONB NOT NULL,
		ttl_seconds BIGINT,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_cache_asset_created ON price_cache (asset_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS fundamentals_cache (
		asset_id    TEXT NOT NULL,
		provider    TEXT NOT NULL,
		data        JSONB NOT NULL,
		ttl_seconds BIGINT,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (asset_id, provider)
	)`,
	`CREATE TABLE IF NOT EXISTS ohlcv_cache (
		asset_id    TEXT NOT NULL,
		provider    TEXT NOT NULL,
		timeframe   TEXT NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		open        DOUBLE PRECISION NOT NULL,
		high        DOUBLE PRECISION NOT NULL,
		low         DOUBLE PRECISION NOT NULL,
		close       DOUBLE PRECISION NOT NULL,
		volume      DOUBLE PRECISION NOT NULL,
		ttl_seconds BIGINT,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (asset_id, provider, timeframe, ts)
	)`,
}

var expiringTables = []string{"cache_entries", "price_cache", "fundamentals_cache", "ohlcv_cache"}

// PostgresStore is the durable tier: a generic key/value table plus structured price,
// fundamentals and OHLCV tables. Expiry is "created_at + ttl_seconds" checked at read
// time; CleanupExpired purges stale rows.
type PostgresStore struct {
	cfg     PostgresConfig
	db      atomic.Pointer[sqlx.DB]
	clock   clockwork.Clock
	logger  *observability.Logger
	metrics *observability.Metrics
	errs    atomic.Int64
}

// NewPostgresStore creates an uninitialized durable tier.
func NewPostgresStore(cfg PostgresConfig, clock clockwork.Clock, logger *observability.Logger, metrics *observability.Metrics) *PostgresStore {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresStore{
		cfg:     cfg,
		clock:   clock,
		logger:  observability.OrNop(logger).Component("postgres-store"),
		metrics: metrics,
	}
}

// NewPostgresStoreWithDB wraps an existing connection; the store is ready immediately.
func NewPostgresStoreWithDB(db *sqlx.DB, cfg PostgresConfig, clock clockwork.Clock, logger *observability.Logger) *PostgresStore {
	s := NewPostgresStore(cfg, clock, logger, nil)
	s.db.Store(db)
	return s
}

// Initialize opens the pool, verifies connectivity and applies the schema when configured.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	if s.db.Load() != nil {
		return nil
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", &BackendError{Tier: TierDurable, Op: "connect", Err: err})
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if s.cfg.AutoMigrate {
		if err := migrate(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
	}

	if !s.db.CompareAndSwap(nil, db) {
		_ = db.Close()
	}
	s.logger.LogInfo(ctx, "durable tier initialized", "auto_migrate", s.cfg.AutoMigrate)
	return nil
}

// Migrate applies the schema on an initialized store.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return migrate(ctx, db)
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Shutdown closes the pool.
func (s *PostgresStore) Shutdown() error {
	db := s.db.Swap(nil)
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close Postgres pool: %w", err)
	}
	return nil
}

// Ready reports whether Initialize has succeeded.
func (s *PostgresStore) Ready() bool {
	return s.db.Load() != nil
}

func (s *PostgresStore) conn() (*sqlx.DB, error) {
	db := s.db.Load()
	if db == nil {
		return nil, ErrNotInitialized
	}
	return db, nil
}

func (s *PostgresStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

func (s *PostgresStore) observe(ctx context.Context, op string, start time.Time) {
	s.metrics.RecordCacheOperation(ctx, TierDurable, op, time.Since(start))
}

func (s *PostgresStore) backendFailure(ctx context.Context, op, key string, err error) {
	s.errs.Add(1)
	s.metrics.RecordBackendError(ctx, TierDurable, op)
	s.logger.LogWarn(ctx, "durable tier operation failed",
		"tier", TierDurable, "op", op, "key", key,
		"error", (&BackendError{Tier: TierDurable, Op: op, Err: err}).Error())
}

// Get returns the stored JSON for key if present and not expired.
func (s *PostgresStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	db, err := s.conn()
	if err != nil {
		return nil, false, err
	}
	defer s.observe(ctx, "get", time.Now())

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	var raw []byte
	query := `SELECT value FROM cache_entries WHERE key = $1 AND ` + fmt.Sprintf(notExpired, 2)
	if err := db.GetContext(qctx, &raw, query, key, s.clock.Now()); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.backendFailure(ctx, "get", key, err)
		}
		return nil, false, nil
	}
	return json.RawMessage(raw), true, nil
}

// Set upserts value under key with a fresh creation time.
func (s *PostgresStore) Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	defer s.observe(ctx, "set", time.Now())

	data, err := encode(value)
	if err != nil {
		s.errs.Add(1)
		s.logger.LogWarn(ctx, "durable tier value not serializable", "tier", TierDurable, "key", key, "error", err.Error())
		return false, nil
	}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	_, err = db.ExecContext(qctx, `
		INSERT INTO cache_entries (key, value, ttl_seconds, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			ttl_seconds = EXCLUDED.ttl_seconds,
			created_at = EXCLUDED.created_at`,
		key, string(data), ttlSeconds(ttl), s.clock.Now())
	if err != nil {
		s.backendFailure(ctx, "set", key, err)
		return false, nil
	}
	return true, nil
}

// Delete removes key and reports whether a row existed.
func (s *PostgresStore) Delete(ctx context.Context, key string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	res, err := db.ExecContext(qctx, `DELETE FROM cache_entries WHERE key = $1`, key)
	if err != nil {
		s.backendFailure(ctx, "delete", key, err)
		return false, nil
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Exists reports whether key is present and not expired.
func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM cache_entries WHERE key = $1 AND ` + fmt.Sprintf(notExpired, 2) + `)`
	if err := db.GetContext(qctx, &exists, query, key, s.clock.Now()); err != nil {
		s.backendFailure(ctx, "exists", key, err)
		return false, nil
	}
	return exists, nil
}

// Clear empties the key/value table.
func (s *PostgresStore) Clear(ctx context.Context) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	res, err := db.ExecContext(qctx, `DELETE FROM cache_entries`)
	if err != nil {
		s.backendFailure(ctx, "clear", "*", err)
		return 0, nil
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearPattern deletes keys matching a glob pattern (* and ?).
func (s *PostgresStore) ClearPattern(ctx context.Context, pattern string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	res, err := db.ExecContext(qctx, `DELETE FROM cache_entries WHERE key LIKE $1 ESCAPE '\'`, GlobToLike(pattern))
	if err != nil {
		s.backendFailure(ctx, "clear_pattern", pattern, err)
		return 0, nil
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// assetTables hold rows keyed by asset_id.
var assetTables = []string{"price_cache", "fundamentals_cache", "ohlcv_cache"}

// DeleteAsset removes every price, fundamentals and candle row for asset and returns
// the number of rows removed.
func (s *PostgresStore) DeleteAsset(ctx context.Context, asset string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	defer s.observe(ctx, "delete_asset", time.Now())

	symbol := marketdata.NormalizeSymbol(asset)
	var total int64
	for _, table := range assetTables {
		qctx, cancel := s.queryContext(ctx)
		res, err := db.ExecContext(qctx, `DELETE FROM `+table+` WHERE asset_id = $1`, symbol)
		cancel()
		if err != nil {
			s.backendFailure(ctx, "delete_asset", symbol, err)
			continue
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// GetPrice returns the newest unexpired price for asset recorded within lookback.
// An empty provider matches any provider.
func (s *PostgresStore) GetPrice(ctx context.Context, asset, provider string, lookback time.Duration) (*marketdata.Price, bool, error) {
	db, err := s.conn()
	if err != nil {
		return nil, false, err
	}
	defer s.observe(ctx, "get_price", time.Now())

	if lookback <= 0 {
		lookback = 15 * time.Minute
	}
	now := s.clock.Now()

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	var raw []byte
	query := `
		SELECT data FROM price_cache
		WHERE asset_id = $1
		  AND ($2 = '' OR provider = $2)
		  AND created_at >= $3
		  AND ` + fmt.Sprintf(notExpired, 4) + `
		ORDER BY created_at DESC
		LIMIT 1`
	err = db.GetContext(qctx, &raw, query, marketdata.NormalizeSymbol(asset), provider, now.Add(-lookback), now)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.backendFailure(ctx, "get_price", asset, err)
		}
		return nil, false, nil
	}

	price, err := Decode[marketdata.Price](raw)
	if err != nil {
		s.logger.LogWarn(ctx, "durable tier price not decodable", "asset", asset, "error", err.Error())
		return nil, false, nil
	}
	return &price, true, nil
}

const insertPrice = `
	INSERT INTO price_cache (asset_id, provider, price, data, ttl_seconds, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

// SetPrice appends a price row. Rows are history; reads pick the newest.
func (s *PostgresStore) SetPrice(ctx context.Context, price *marketdata.Price, ttl time.Duration) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	if price == nil {
		return false, nil
	}
	defer s.observe(ctx, "set_price", time.Now())

	data, err := encode(price)
	if err != nil {
		s.errs.Add(1)
		return false, nil
	}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	_, err = db.ExecContext(qctx, insertPrice,
		marketdata.NormalizeSymbol(price.Symbol), price.Provider, price.Price, string(data), ttlSeconds(ttl), s.clock.Now())
	if err != nil {
		s.backendFailure(ctx, "set_price", price.Symbol, err)
		return false, nil
	}
	return true, nil
}

// SetPrices writes many prices in one transaction and returns the number stored.
func (s *PostgresStore) SetPrices(ctx context.Context, entries []PriceEntry) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	defer s.observe(ctx, "set_prices", time.Now())

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	tx, err := db.BeginTxx(qctx, nil)
	if err != nil {
		s.backendFailure(ctx, "set_prices", "begin", err)
		return 0, nil
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(qctx, insertPrice)
	if err != nil {
		s.backendFailure(ctx, "set_prices", "prepare", err)
		return 0, nil
	}
	defer stmt.Close()

	now := s.clock.Now()
	stored := 0
	for _, e := range entries {
		if e.Price == nil {
			continue
		}
		data, err := encode(e.Price)
		if err != nil {
			s.errs.Add(1)
			continue
		}
		if _, err := stmt.ExecContext(qctx,
			marketdata.NormalizeSymbol(e.Price.Symbol), e.Price.Provider, e.Price.Price, string(data), ttlSeconds(e.TTL), now); err != nil {
			s.backendFailure(ctx, "set_prices", e.Price.Symbol, err)
			return 0, nil
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		s.backendFailure(ctx, "set_prices", "commit", err)
		return 0, nil
	}
	return stored, nil
}

// GetOHLCV returns up to limit unexpired candles for asset and timeframe, newest first.
func (s *PostgresStore) GetOHLCV(ctx context.Context, asset, timeframe string, limit int, provider string) ([]marketdata.OHLCV, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	defer s.observe(ctx, "get_ohlcv", time.Now())

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	var candles []marketdata.OHLCV
	query := `
		SELECT asset_id, provider, timeframe, ts, open, high, low, close, volume
		FROM ohlcv_cache
		WHERE asset_id = $1
		  AND timeframe = $2
		  AND ($3 = '' OR provider = $3)
		  AND ` + fmt.Sprintf(notExpired, 4) + `
		ORDER BY ts DESC
		LIMIT $5`
	if err := db.SelectContext(qctx, &candles, query, marketdata.NormalizeSymbol(asset), timeframe, provider, s.clock.Now(), limit); err != nil {
		s.backendFailure(ctx, "get_ohlcv", asset, err)
		return nil, nil
	}
	return candles, nil
}

// SetOHLCV upserts candles in one transaction and returns the number stored.
func (s *PostgresStore) SetOHLCV(ctx context.Context, candles []marketdata.OHLCV, ttl time.Duration) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, nil
	}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	tx, err := db.BeginTxx(qctx, nil)
	if err != nil {
		s.backendFailure(ctx, "set_ohlcv", "begin", err)
		return 0, nil
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock.Now()
	for _, c := range candles {
		_, err := tx.ExecContext(qctx, `
			INSERT INTO ohlcv_cache (asset_id, provider, timeframe, ts, open, high, low, close, volume, ttl_seconds, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (asset_id, provider, timeframe, ts) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume,
				ttl_seconds = EXCLUDED.ttl_seconds, created_at = EXCLUDED.created_at`,
			marketdata.NormalizeSymbol(c.Symbol), c.Provider, c.Timeframe, c.Timestamp,
			c.Open, c.High, c.Low, c.Close, c.Volume, ttlSeconds(ttl), now)
		if err != nil {
			s.backendFailure(ctx, "set_ohlcv", c.Symbol, err)
			return 0, nil
		}
	}

	if err := tx.Commit(); err != nil {
		s.backendFailure(ctx, "set_ohlcv", "commit", err)
		return 0, nil
	}
	return len(candles), nil
}

// GetFundamentals returns unexpired fundamentals for asset; an empty provider picks the
// most recently written one.
func (s *PostgresStore) GetFundamentals(ctx context.Context, asset, provider string) (*marketdata.Fundamentals, bool, error) {
	db, err := s.conn()
	if err != nil {
		return nil, false, err
	}
	defer s.observe(ctx, "get_fundamentals", time.Now())

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	var raw []byte
	query := `
		SELECT data FROM fundamentals_cache
		WHERE asset_id = $1
		  AND ($2 = '' OR provider = $2)
		  AND ` + fmt.Sprintf(notExpired, 3) + `
		ORDER BY created_at DESC
		LIMIT 1`
	if err := db.GetContext(qctx, &raw, query, marketdata.NormalizeSymbol(asset), provider, s.clock.Now()); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.backendFailure(ctx, "get_fundamentals", asset, err)
		}
		return nil, false, nil
	}

	f, err := Decode[marketdata.Fundamentals](raw)
	if err != nil {
		s.logger.LogWarn(ctx, "durable tier fundamentals not decodable", "asset", asset, "error", err.Error())
		return nil, false, nil
	}
	return &f, true, nil
}

// SetFundamentals upserts fundamentals keyed by (asset, provider).
func (s *PostgresStore) SetFundamentals(ctx context.Context, f *marketdata.Fundamentals, ttl time.Duration) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	if f == nil {
		return false, nil
	}
	defer s.observe(ctx, "set_fundamentals", time.Now())

	data, err := encode(f)
	if err != nil {
		s.errs.Add(1)
		return false, nil
	}

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	_, err = db.ExecContext(qctx, `
		INSERT INTO fundamentals_cache (asset_id, provider, data, ttl_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (asset_id, provider) DO UPDATE SET
			data = EXCLUDED.data,
			ttl_seconds = EXCLUDED.ttl_seconds,
			created_at = EXCLUDED.created_at`,
		marketdata.NormalizeSymbol(f.Symbol), f.Provider, string(data), ttlSeconds(ttl), s.clock.Now())
	if err != nil {
		s.backendFailure(ctx, "set_fundamentals", f.Symbol, err)
		return false, nil
	}
	return true, nil
}

// CleanupExpired deletes expired rows from every table and returns the total removed.
func (s *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	defer s.observe(ctx, "cleanup", time.Now())

	now := s.clock.Now()
	var total int64
	for _, table := range expiringTables {
		qctx, cancel := s.queryContext(ctx)
		res, err := db.ExecContext(qctx,
			`DELETE FROM `+table+` WHERE ttl_seconds IS NOT NULL AND created_at + ttl_seconds * INTERVAL '1 second' <= $1`, now)
		cancel()
		if err != nil {
			s.backendFailure(ctx, "cleanup", table, err)
			continue
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if total > 0 {
		s.logger.LogInfo(ctx, "expired rows purged", "rows", total)
	}
	return total, nil
}

// GetStats returns row counts per table.
func (s *PostgresStore) GetStats(ctx context.Context) (PostgresStats, error) {
	stats := PostgresStats{Errors: s.errs.Load()}
	db, err := s.conn()
	if err != nil {
		return stats, err
	}
	stats.Initialized = true

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	err = db.GetContext(qctx, &stats, `
		SELECT
			(SELECT COUNT(*) FROM cache_entries)      AS entries,
			(SELECT COUNT(*) FROM price_cache)        AS prices,
			(SELECT COUNT(*) FROM fundamentals_cache) AS fundamentals,
			(SELECT COUNT(*) FROM ohlcv_cache)        AS candles`)
	if err != nil {
		s.backendFailure(ctx, "stats", "", err)
	}
	return stats, nil
}

// GlobToLike converts a glob pattern into a LIKE pattern escaped with backslash.
func GlobToLike(glob string) string {
	var b strings.Builder
	b.Grow(len(glob))
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
