// Package marketdata defines the records cached in front of upstream market-data providers.
package marketdata

import (
	"fmt"
	"strings"
	"time"
)

// DataType identifies a logical category of market data.
type DataType string

const (
	DataTypePrice        DataType = "price"
	DataTypeFundamentals DataType = "fundamentals"
	DataTypeTechnical    DataType = "technical"
	DataTypeNews         DataType = "news"
	DataTypeMacro        DataType = "macro"
)

// AllDataTypes returns every known data type in declaration order.
func AllDataTypes() []DataType {
	return []DataType{
		DataTypePrice,
		DataTypeFundamentals,
		DataTypeTechnical,
		DataTypeNews,
		DataTypeMacro,
	}
}

// Valid reports whether d is one of the known data types.
func (d DataType) Valid() bool {
	switch d {
	case DataTypePrice, DataTypeFundamentals, DataTypeTechnical, DataTypeNews, DataTypeMacro:
		return true
	}
	return false
}

func (d DataType) String() string {
	return string(d)
}

// ParseDataType converts a case-insensitive name into a DataType.
func ParseDataType(s string) (DataType, error) {
	d := DataType(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown data type: %q", s)
	}
	return d, nil
}

// Price is a point-in-time quote for a single asset from a single provider.
type Price struct {
	Symbol        string    `json:"symbol"`
	Provider      string    `json:"provider"`
	Price         float64   `json:"price"`
	Open          float64   `json:"open,omitempty"`
	High          float64   `json:"high,omitempty"`
	Low           float64   `json:"low,omitempty"`
	Change        float64   `json:"change,omitempty"`
	ChangePercent float64   `json:"change_percent,omitempty"`
	Volume        float64   `json:"volume,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Fundamentals holds slow-moving company or asset metrics.
type Fundamentals struct {
	Symbol        string             `json:"symbol"`
	Provider      string             `json:"provider"`
	MarketCap     float64            `json:"market_cap,omitempty"`
	PERatio       float64            `json:"pe_ratio,omitempty"`
	EPS           float64            `json:"eps,omitempty"`
	DividendYield float64            `json:"dividend_yield,omitempty"`
	Beta          float64            `json:"beta,omitempty"`
	Sector        string             `json:"sector,omitempty"`
	Industry      string             `json:"industry,omitempty"`
	Extra         map[string]float64 `json:"extra,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// OHLCV is a single candle for a symbol and timeframe.
type OHLCV struct {
	Symbol    string    `json:"symbol" db:"asset_id"`
	Provider  string    `json:"provider" db:"provider"`
	Timeframe string    `json:"timeframe" db:"timeframe"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
}
