package cache

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/market-cache/internal/marketdata"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, clockwork.FakeClock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC))
	store := NewPostgresStoreWithDB(sqlx.NewDb(db, "postgres"), PostgresConfig{}, clock, nil)
	return store, mock, clock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestPostgresStore_NotInitialized(t *testing.T) {
	store := NewPostgresStore(PostgresConfig{}, nil, nil, nil)
	ctx := context.Background()

	_, _, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = store.Set(ctx, "k", 1, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, _, err = store.GetPrice(ctx, "AAPL", "", time.Minute)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = store.GetOHLCV(ctx, "AAPL", "1d", 10, "")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = store.SetFundamentals(ctx, &marketdata.Fundamentals{Symbol: "AAPL"}, time.Hour)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = store.CleanupExpired(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = store.ClearPattern(ctx, "*")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = store.DeleteAsset(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, store.Ready())
}

func TestPostgresStore_GetSet(t *testing.T) {
	store, mock, clock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(q("INSERT INTO cache_entries (key, value, ttl_seconds, created_at)")).
		WithArgs("technical:AAPL:default", `{"rsi":61.2}`, int64(900), clock.Now()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.Set(ctx, "technical:AAPL:default", map[string]float64{"rsi": 61.2}, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery(q("SELECT value FROM cache_entries WHERE key = $1 AND (ttl_seconds IS NULL OR")).
		WithArgs("technical:AAPL:default", clock.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"rsi":61.2}`)))

	raw, found, err := store.Get(ctx, "technical:AAPL:default")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"rsi":61.2}`, string(raw))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetWithoutTTL(t *testing.T) {
	store, mock, _ := newMockPostgres(t)

	mock.ExpectExec(q("INSERT INTO cache_entries")).
		WithArgs("macro:GDP:default", `2.1`, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.Set(context.Background(), "macro:GDP:default", 2.1, NoExpiry)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMissAndBackendError(t *testing.T) {
	store, mock, _ := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT value FROM cache_entries")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	mock.ExpectQuery(q("SELECT value FROM cache_entries")).
		WillReturnError(errors.New("connection refused"))
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err, "backend errors must not reach callers")
	assert.False(t, found)

	mock.ExpectExec(q("INSERT INTO cache_entries")).
		WillReturnError(errors.New("connection refused"))
	ok, err := store.Set(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(q("SELECT (SELECT COUNT(*) FROM cache_entries)")).
		WillReturnRows(sqlmock.NewRows([]string{"entries", "prices", "fundamentals", "candles"}).AddRow(1, 2, 3, 4))
	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Errors)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(4), stats.Candles)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExistsClear(t *testing.T) {
	store, mock, _ := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(q("DELETE FROM cache_entries WHERE key = $1")).
		WithArgs("k").
		WillReturnResult(sqlmock.NewResult(0, 1))
	deleted, err := store.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	mock.ExpectQuery(q("SELECT EXISTS(SELECT 1 FROM cache_entries WHERE key = $1")).
		WithArgs("k", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	mock.ExpectExec(q(`DELETE FROM cache_entries WHERE key LIKE $1 ESCAPE '\'`)).
		WithArgs("price:%").
		WillReturnResult(sqlmock.NewResult(0, 7))
	n, err := store.ClearPattern(ctx, "price:*")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	mock.ExpectExec(q("DELETE FROM cache_entries")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err = store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPriceUsesLookback(t *testing.T) {
	store, mock, clock := newMockPostgres(t)
	now := clock.Now()

	price := marketdata.Price{Symbol: "AAPL", Provider: "yahoo", Price: 190.25, Timestamp: now}
	data, err := json.Marshal(price)
	require.NoError(t, err)

	mock.ExpectQuery(q("SELECT data FROM price_cache WHERE asset_id = $1")).
		WithArgs("AAPL", "", now.Add(-15*time.Minute), now).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))

	got, found, err := store.GetPrice(context.Background(), "aapl", "", 15*time.Minute)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 190.25, got.Price)
	assert.Equal(t, "yahoo", got.Provider)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetPricesSingleTransaction(t *testing.T) {
	store, mock, _ := newMockPostgres(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(q("INSERT INTO price_cache"))
	prep.ExpectExec().
		WithArgs("BTC-USD", "binance", 64000.0, sqlmock.AnyArg(), int64(60), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs("AAPL", "yahoo", 190.0, sqlmock.AnyArg(), int64(300), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := store.SetPrices(context.Background(), []PriceEntry{
		{Price: &marketdata.Price{Symbol: "btc-usd", Provider: "binance", Price: 64000}, TTL: time.Minute},
		{Price: &marketdata.Price{Symbol: "AAPL", Provider: "yahoo", Price: 190}, TTL: 5 * time.Minute},
		{Price: nil},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetPricesRollsBackOnFailure(t *testing.T) {
	store, mock, _ := newMockPostgres(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(q("INSERT INTO price_cache"))
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	n, err := store.SetPrices(context.Background(), []PriceEntry{
		{Price: &marketdata.Price{Symbol: "AAPL", Provider: "yahoo", Price: 190}, TTL: time.Minute},
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Fundamentals(t *testing.T) {
	store, mock, _ := newMockPostgres(t)
	ctx := context.Background()

	f := &marketdata.Fundamentals{Symbol: "MSFT", Provider: "polygon", MarketCap: 3.1e12, PERatio: 35.2}

	mock.ExpectExec(q("ON CONFLICT (asset_id, provider) DO UPDATE SET")).
		WithArgs("MSFT", "polygon", sqlmock.AnyArg(), int64(86400), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := store.SetFundamentals(ctx, f, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	data, _ := json.Marshal(f)
	mock.ExpectQuery(q("SELECT data FROM fundamentals_cache")).
		WithArgs("MSFT", "polygon", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))
	got, found, err := store.GetFundamentals(ctx, "msft", "polygon")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 35.2, got.PERatio)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OHLCV(t *testing.T) {
	store, mock, _ := newMockPostgres(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO ohlcv_cache")).
		WithArgs("AAPL", "yahoo", "1d", ts, 1.0, 2.0, 0.5, 1.5, 100.0, int64(3600), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := store.SetOHLCV(ctx, []marketdata.OHLCV{{
		Symbol: "AAPL", Provider: "yahoo", Timeframe: "1d", Timestamp: ts,
		Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100,
	}}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mock.ExpectQuery(q("FROM ohlcv_cache WHERE asset_id = $1 AND timeframe = $2")).
		WithArgs("AAPL", "1d", "", sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows([]string{"asset_id", "provider", "timeframe", "ts", "open", "high", "low", "close", "volume"}).
			AddRow("AAPL", "yahoo", "1d", ts, 1.0, 2.0, 0.5, 1.5, 100.0))

	candles, err := store.GetOHLCV(ctx, "AAPL", "1d", 5, "")
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 1.5, candles[0].Close)
	assert.Equal(t, "yahoo", candles[0].Provider)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CleanupExpired(t *testing.T) {
	store, mock, clock := newMockPostgres(t)

	counts := []int64{2, 3, 0, 1}
	for i, table := range expiringTables {
		mock.ExpectExec(q("DELETE FROM "+table+" WHERE ttl_seconds IS NOT NULL")).
			WithArgs(clock.Now()).
			WillReturnResult(sqlmock.NewResult(0, counts[i]))
	}

	n, err := store.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteAsset(t *testing.T) {
	store, mock, _ := newMockPostgres(t)

	mock.ExpectExec(q("DELETE FROM price_cache WHERE asset_id = $1")).
		WithArgs("AAPL").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(q("DELETE FROM fundamentals_cache WHERE asset_id = $1")).
		WithArgs("AAPL").WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(q("DELETE FROM ohlcv_cache WHERE asset_id = $1")).
		WithArgs("AAPL").WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := store.DeleteAsset(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	store, mock, _ := newMockPostgres(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGlobToLike(t *testing.T) {
	cases := map[string]string{
		"price:*":       "price:%",
		"*:AAPL:*":      "%:AAPL:%",
		"news:?:x":      "news:_:x",
		"under_score:*": `under\_score:%`,
		"100%:*":        `100\%:%`,
	}
	for glob, want := range cases {
		assert.Equal(t, want, GlobToLike(glob), glob)
	}
}
