package manager

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/agatticelli/market-cache/internal/marketdata"
)

// DefaultBaseTTLs returns the base TTL per data type used when none is configured.
func DefaultBaseTTLs() map[marketdata.DataType]time.Duration {
	return map[marketdata.DataType]time.Duration{
		marketdata.DataTypePrice:        5 * time.Minute,
		marketdata.DataTypeFundamentals: 24 * time.Hour,
		marketdata.DataTypeTechnical:    15 * time.Minute,
		marketdata.DataTypeNews:         30 * time.Minute,
		marketdata.DataTypeMacro:        6 * time.Hour,
	}
}

// TTLPolicyConfig configures a TTLPolicy.
type TTLPolicyConfig struct {
	Base map[marketdata.DataType]time.Duration
	// MarketOpen and MarketClose are offsets from local midnight in the asset's market.
	MarketOpen   time.Duration
	MarketClose  time.Duration
	CryptoMaxTTL time.Duration
	Classifier   *marketdata.Classifier
	Clock        clockwork.Clock
}

// TTLPolicy computes the TTL of a write from the data type, the asset class and the
// market session at the time of the write.
type TTLPolicy struct {
	base        map[marketdata.DataType]time.Duration
	marketOpen  time.Duration
	marketClose time.Duration
	cryptoMax   time.Duration
	classifier  *marketdata.Classifier
	clock       clockwork.Clock
}

// NewTTLPolicy creates a policy; unset fields take their defaults (09:30-16:00, 60s crypto cap).
func NewTTLPolicy(cfg TTLPolicyConfig) *TTLPolicy {
	base := DefaultBaseTTLs()
	for dt, ttl := range cfg.Base {
		if ttl > 0 {
			base[dt] = ttl
		}
	}
	if cfg.MarketOpen <= 0 {
		cfg.MarketOpen = 9*time.Hour + 30*time.Minute
	}
	if cfg.MarketClose <= 0 {
		cfg.MarketClose = 16 * time.Hour
	}
	if cfg.CryptoMaxTTL <= 0 {
		cfg.CryptoMaxTTL = time.Minute
	}
	if cfg.Classifier == nil {
		cfg.Classifier = marketdata.NewClassifier(nil, nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &TTLPolicy{
		base:        base,
		marketOpen:  cfg.MarketOpen,
		marketClose: cfg.MarketClose,
		cryptoMax:   cfg.CryptoMaxTTL,
		classifier:  cfg.Classifier,
		clock:       cfg.Clock,
	}
}

// BaseTTL returns the configured TTL for dt before any adjustment.
func (p *TTLPolicy) BaseTTL(dt marketdata.DataType) time.Duration {
	if ttl, ok := p.base[dt]; ok {
		return ttl
	}
	return p.base[marketdata.DataTypePrice]
}

// Classifier returns the asset classifier used by the policy.
func (p *TTLPolicy) Classifier() *marketdata.Classifier {
	return p.classifier
}

// ResolveTTL returns the TTL for a write of dt for asset, evaluated at the current time.
// asset may be empty.
func (p *TTLPolicy) ResolveTTL(dt marketdata.DataType, asset string) time.Duration {
	base := p.BaseTTL(dt)

	switch dt {
	case marketdata.DataTypePrice:
		if p.classifier.IsCrypto(asset) {
			return min(base, p.cryptoMax)
		}
		if p.IsMarketOpen(asset) {
			return base
		}
		return base * 4
	case marketdata.DataTypeFundamentals:
		if p.isWeekend(asset) {
			return base * 2
		}
	case marketdata.DataTypeNews:
		if p.isWeekend(asset) {
			return base * 3 / 2
		}
	}
	return base
}

// IsMarketOpen reports whether asset's home market is in its regular session now.
// Crypto markets are always open.
func (p *TTLPolicy) IsMarketOpen(asset string) bool {
	if p.classifier.IsCrypto(asset) {
		return true
	}
	now := p.clock.Now().In(p.classifier.Location(asset))
	if isWeekendDay(now.Weekday()) {
		return false
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sinceMidnight := now.Sub(midnight)
	return sinceMidnight >= p.marketOpen && sinceMidnight <= p.marketClose
}

func (p *TTLPolicy) isWeekend(asset string) bool {
	return isWeekendDay(p.clock.Now().In(p.classifier.Location(asset)).Weekday())
}

func isWeekendDay(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}
