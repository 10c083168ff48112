// Package pricing defines the upstream market-data providers consumed by the scheduler
// and the warmer, the registry that routes data types to them and the guard that bounds
// every upstream call.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/agatticelli/market-cache/internal/marketdata"
)

var (
	// ErrUnsupported is returned by providers for data they do not serve.
	ErrUnsupported = errors.New("operation not supported by provider")
	// ErrProviderNotFound is returned when no registered provider matches a lookup.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrEmptyResult is returned when a provider answers without data.
	ErrEmptyResult = errors.New("provider returned no data")
)

// Provider is an upstream source of market data.
type Provider interface {
	Name() string
	FetchPrice(ctx context.Context, asset string) (*marketdata.Price, error)
	FetchFundamentals(ctx context.Context, asset string) (*marketdata.Fundamentals, error)
}

// BatchProvider is a Provider that can fetch many prices in one upstream call.
// Prices are returned in request order; assets the provider could not resolve are omitted.
type BatchProvider interface {
	Provider
	FetchPricesBatch(ctx context.Context, assets []string) ([]*marketdata.Price, error)
}

// AsBatch returns p as a BatchProvider when it has the capability.
func AsBatch(p Provider) (BatchProvider, bool) {
	bp, ok := p.(BatchProvider)
	return bp, ok
}

// ProviderError describes a failed upstream call.
type ProviderError struct {
	Provider string
	Op       string
	Asset    string
	Status   int // upstream HTTP status, 0 when the call never got a response
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.Asset != "" {
		msg += " " + e.Asset
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// StatusCode lets the retry filter tell permanent from transient failures.
func (e *ProviderError) StatusCode() int {
	return e.Status
}
