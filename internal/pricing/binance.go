package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/platform/observability"
	"github.com/agatticelli/market-cache/internal/platform/resilience"
)

const binanceName = "binance"

var binanceQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD"}

// BinanceProvider fetches crypto prices from the Binance public 24h ticker.
type BinanceProvider struct {
	client   *http.Client
	baseURL  string
	retryCfg resilience.RetryConfig
	logger   *observability.Logger
	clock    clockwork.Clock
}

// BinanceProviderConfig holds Binance provider configuration
type BinanceProviderConfig struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig resilience.RetryConfig
	Logger      *observability.Logger
	Clock       clockwork.Clock
}

// binanceTicker is one element of the /api/v3/ticker/24hr response.
type binanceTicker struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	CloseTime          int64  `json:"closeTime"`
}

// NewBinanceProvider creates a new Binance provider
func NewBinanceProvider(cfg BinanceProviderConfig) (*BinanceProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid binance base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      0.2,
		}
	}
	if cfg.RetryConfig.IsRetryable == nil {
		cfg.RetryConfig.IsRetryable = resilience.IsRetryable
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &BinanceProvider{
		client:   &http.Client{Timeout: cfg.Timeout},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		retryCfg: cfg.RetryConfig,
		logger:   observability.OrNop(cfg.Logger).Component("provider.binance"),
		clock:    cfg.Clock,
	}, nil
}

// Name returns the provider name used in registry routes and cache keys.
func (b *BinanceProvider) Name() string {
	return binanceName
}

// BinanceSymbol maps an asset such as BTC, BTC-USD or ETHUSDT to a Binance spot symbol.
// USD quotes are served by the USDT book.
func BinanceSymbol(asset string) string {
	s := marketdata.NormalizeSymbol(asset)
	if base, quote, ok := strings.Cut(s, "-"); ok {
		if quote == "USD" || quote == "" {
			quote = "USDT"
		}
		return base + quote
	}
	for _, q := range binanceQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s
		}
	}
	return s + "USDT"
}

// FetchPrice returns the latest 24h ticker for asset.
func (b *BinanceProvider) FetchPrice(ctx context.Context, asset string) (*marketdata.Price, error) {
	symbol := BinanceSymbol(asset)
	endpoint := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", b.baseURL, url.QueryEscape(symbol))

	var ticker binanceTicker
	if err := b.get(ctx, "price", asset, endpoint, &ticker); err != nil {
		return nil, err
	}

	price, err := b.toPrice(asset, &ticker)
	if err != nil {
		return nil, &ProviderError{Provider: binanceName, Op: "price", Asset: asset, Err: err}
	}
	return price, nil
}

// FetchPricesBatch returns the tickers of assets with a single request. Prices come back in
// request order and carry the caller's asset names.
func (b *BinanceProvider) FetchPricesBatch(ctx context.Context, assets []string) ([]*marketdata.Price, error) {
	if len(assets) == 0 {
		return nil, nil
	}

	bySymbol := make(map[string][]string, len(assets))
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		s := BinanceSymbol(a)
		if _, seen := bySymbol[s]; !seen {
			symbols = append(symbols, s)
		}
		bySymbol[s] = append(bySymbol[s], a)
	}

	list, err := json.Marshal(symbols)
	if err != nil {
		return nil, &ProviderError{Provider: binanceName, Op: "price_batch", Err: err}
	}
	endpoint := fmt.Sprintf("%s/api/v3/ticker/24hr?symbols=%s", b.baseURL, url.QueryEscape(string(list)))

	var tickers []binanceTicker
	if err := b.get(ctx, "price_batch", "", endpoint, &tickers); err != nil {
		return nil, err
	}

	prices := make(map[string]*marketdata.Price, len(assets))
	for i := range tickers {
		for _, a := range bySymbol[tickers[i].Symbol] {
			p, err := b.toPrice(a, &tickers[i])
			if err != nil {
				b.logger.LogWarn(ctx, "skipping unparsable ticker", "symbol", tickers[i].Symbol, "error", err.Error())
				continue
			}
			prices[a] = p
		}
	}

	out := make([]*marketdata.Price, 0, len(prices))
	for _, a := range assets {
		if p, ok := prices[a]; ok {
			out = append(out, p)
			delete(prices, a)
		}
	}
	b.logger.LogDebug(ctx, "fetched Binance tickers", "requested", len(assets), "returned", len(out))
	return out, nil
}

// FetchFundamentals is not served by an exchange ticker.
func (b *BinanceProvider) FetchFundamentals(_ context.Context, asset string) (*marketdata.Fundamentals, error) {
	return nil, &ProviderError{Provider: binanceName, Op: "fundamentals", Asset: asset, Err: ErrUnsupported}
}

func (b *BinanceProvider) get(ctx context.Context, op, asset, endpoint string, out any) error {
	_, err := resilience.RetryWithResult(ctx, b.retryCfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.fetch(ctx, op, asset, endpoint, out)
	})
	return err
}

func (b *BinanceProvider) fetch(ctx context.Context, op, asset, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &ProviderError{Provider: binanceName, Op: op, Asset: asset, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return &ProviderError{Provider: binanceName, Op: op, Asset: asset, Err: fmt.Errorf("failed to execute request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProviderError{
			Provider: binanceName,
			Op:       op,
			Asset:    asset,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Provider: binanceName, Op: op, Asset: asset, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (b *BinanceProvider) toPrice(asset string, t *binanceTicker) (*marketdata.Price, error) {
	last, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last price %q: %w", t.LastPrice, err)
	}

	ts := b.clock.Now().UTC()
	if t.CloseTime > 0 {
		ts = time.UnixMilli(t.CloseTime).UTC()
	}

	currency := "USDT"
	for _, q := range binanceQuotes {
		if strings.HasSuffix(t.Symbol, q) {
			currency = q
			break
		}
	}

	return &marketdata.Price{
		Symbol:        marketdata.NormalizeSymbol(asset),
		Provider:      binanceName,
		Price:         last,
		Open:          parseOptional(t.OpenPrice),
		High:          parseOptional(t.HighPrice),
		Low:           parseOptional(t.LowPrice),
		Change:        parseOptional(t.PriceChange),
		ChangePercent: parseOptional(t.PriceChangePercent),
		Volume:        parseOptional(t.Volume),
		Currency:      currency,
		Timestamp:     ts,
	}, nil
}

func parseOptional(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
