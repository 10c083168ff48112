package marketdata

import "strings"

// KeySeparator joins cache key segments.
const KeySeparator = ":"

// DefaultProvider is used in keys when the caller does not name a provider.
const DefaultProvider = "default"

// NormalizeSymbol upper-cases and trims a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Key builds a cache key from segments, e.g. Key("price", "AAPL", "yahoo") == "price:AAPL:yahoo".
func Key(segments ...string) string {
	return strings.Join(segments, KeySeparator)
}

// PriceKey is the fast-tier key of the latest price of symbol from provider.
func PriceKey(symbol, provider string) string {
	return Key(string(DataTypePrice), NormalizeSymbol(symbol), providerSegment(provider))
}

// FundamentalsKey is the fast-tier key of the fundamentals of symbol from provider.
func FundamentalsKey(symbol, provider string) string {
	return Key(string(DataTypeFundamentals), NormalizeSymbol(symbol), providerSegment(provider))
}

// DataKey builds a key for any data type.
func DataKey(dataType DataType, symbol, provider string) string {
	return Key(string(dataType), NormalizeSymbol(symbol), providerSegment(provider))
}

// AssetPattern matches every key that carries symbol as an inner segment.
func AssetPattern(symbol string) string {
	return "*" + KeySeparator + NormalizeSymbol(symbol) + KeySeparator + "*"
}

// DataTypeOfKey returns the data type encoded in the first segment of key.
func DataTypeOfKey(key string) (DataType, bool) {
	prefix, _, _ := strings.Cut(key, KeySeparator)
	d := DataType(prefix)
	return d, d.Valid()
}

// SymbolOfKey returns the second segment of key, if present.
func SymbolOfKey(key string) (string, bool) {
	parts := strings.SplitN(key, KeySeparator, 3)
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func providerSegment(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return DefaultProvider
	}
	return provider
}
