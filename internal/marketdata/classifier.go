package marketdata

import (
	"strings"
	"time"
)

// AssetClass is the broad market an asset trades in.
type AssetClass string

const (
	AssetClassEquity AssetClass = "equity"
	AssetClassCrypto AssetClass = "crypto"
)

// Crypto quote suffixes recognised on pair-style symbols such as BTC-USD or ETHUSDT.
var cryptoQuoteSuffixes = []string{"-USD", "-USDT", "-USDC", "-EUR", "-BTC", "USDT", "USDC", "BUSD"}

// Exchange suffixes mapped to the IANA zone of their home market.
var exchangeZones = map[string]string{
	".L":  "Europe/London",
	".DE": "Europe/Berlin",
	".PA": "Europe/Paris",
	".T":  "Asia/Tokyo",
	".HK": "Asia/Hong_Kong",
	".TO": "America/Toronto",
	".AX": "Australia/Sydney",
}

// Classifier decides asset class and market timezone for a symbol.
type Classifier struct {
	crypto      map[string]struct{}
	defaultZone *time.Location
	zones       map[string]*time.Location
}

// NewClassifier builds a classifier from a set of known crypto base symbols and the
// timezone used for symbols without an exchange suffix. A nil zone means America/New_York,
// falling back to UTC when tzdata is unavailable.
func NewClassifier(cryptoSymbols []string, defaultZone *time.Location) *Classifier {
	if defaultZone == nil {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.UTC
		}
		defaultZone = loc
	}

	c := &Classifier{
		crypto:      make(map[string]struct{}, len(cryptoSymbols)),
		defaultZone: defaultZone,
		zones:       make(map[string]*time.Location, len(exchangeZones)),
	}
	for _, s := range cryptoSymbols {
		c.crypto[NormalizeSymbol(s)] = struct{}{}
	}
	for suffix, name := range exchangeZones {
		if loc, err := time.LoadLocation(name); err == nil {
			c.zones[suffix] = loc
		}
	}
	return c
}

// IsCrypto reports whether symbol names a crypto asset, either directly (BTC) or as a
// pair quoted in a fiat/stable currency (BTC-USD, ETHUSDT).
func (c *Classifier) IsCrypto(symbol string) bool {
	s := NormalizeSymbol(symbol)
	if s == "" {
		return false
	}
	if _, ok := c.crypto[s]; ok {
		return true
	}
	for _, suffix := range cryptoQuoteSuffixes {
		if base, ok := strings.CutSuffix(s, suffix); ok && base != "" {
			if _, known := c.crypto[base]; known || strings.HasPrefix(suffix, "-") {
				return true
			}
		}
	}
	return false
}

// Class returns the asset class of symbol.
func (c *Classifier) Class(symbol string) AssetClass {
	if c.IsCrypto(symbol) {
		return AssetClassCrypto
	}
	return AssetClassEquity
}

// Location returns the market timezone for symbol.
func (c *Classifier) Location(symbol string) *time.Location {
	s := NormalizeSymbol(symbol)
	if i := strings.LastIndexByte(s, '.'); i > 0 {
		if loc, ok := c.zones[s[i:]]; ok {
			return loc
		}
	}
	return c.defaultZone
}

// DefaultLocation returns the zone used for symbols without an exchange suffix.
func (c *Classifier) DefaultLocation() *time.Location {
	return c.defaultZone
}
