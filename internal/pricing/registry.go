package pricing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agatticelli/market-cache/internal/marketdata"
)

// availability is implemented by providers that can refuse work, such as a Guard with an
// open circuit.
type availability interface {
	Available() bool
}

type route struct {
	dataType marketdata.DataType
	class    marketdata.AssetClass
}

// Registry holds the upstream providers by name and the ordered provider list used for
// each data type and asset class.
type Registry struct {
	classifier *marketdata.Classifier

	mu        sync.RWMutex
	providers map[string]Provider
	routes    map[route][]string
}

// NewRegistry creates an empty registry. classifier decides the asset class used for
// routing; nil routes every asset as an equity.
func NewRegistry(classifier *marketdata.Classifier) *Registry {
	return &Registry{
		classifier: classifier,
		providers:  make(map[string]Provider),
		routes:     make(map[route][]string),
	}
}

// Register adds p under its Name, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Route sets the providers tried, in order, for dataType on assets of class. An empty class
// is the fallback for classes without a route of their own.
func (r *Registry) Route(dataType marketdata.DataType, class marketdata.AssetClass, names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if _, ok := r.providers[name]; !ok {
			return fmt.Errorf("route %s/%s: %w: %s", dataType, class, ErrProviderNotFound, name)
		}
	}
	r.routes[route{dataType, class}] = append([]string(nil), names...)
	return nil
}

// GetProvider returns the provider registered under name.
func (r *Registry) GetProvider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// GetProviderForDataType returns the first available provider routed for dataType and the
// asset class of asset. Providers that currently refuse work are skipped.
func (r *Registry) GetProviderForDataType(dataType marketdata.DataType, asset string) (Provider, bool) {
	class := marketdata.AssetClassEquity
	if r.classifier != nil {
		class = r.classifier.Class(asset)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	names, ok := r.routes[route{dataType, class}]
	if !ok {
		names = r.routes[route{dataType, ""}]
	}
	for _, name := range names {
		p, ok := r.providers[name]
		if !ok {
			continue
		}
		if a, ok := p.(availability); ok && !a.Available() {
			continue
		}
		return p, true
	}
	return nil, false
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health returns the health of every provider that reports it, sorted by name.
func (r *Registry) Health() []ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(r.providers))
	for _, p := range r.providers {
		if hp, ok := p.(HealthProvider); ok {
			out = append(out, hp.Health())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
