package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig selects the metric readers.
type MetricsConfig struct {
	ServiceName  string
	Version      string
	Enabled      bool
	OTLPEndpoint string // optional, gRPC push in addition to the Prometheus pull endpoint
	OTLPInsecure bool
}

// Metrics holds all application metrics. A zero Metrics (or nil pointer) records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	// Cache tiers
	CacheRequests      metric.Int64Counter
	CacheOpDuration    metric.Float64Histogram
	CacheBackendErrors metric.Int64Counter
	CacheEvictions     metric.Int64Counter

	// Upstream providers
	ProviderCalls    metric.Int64Counter
	ProviderDuration metric.Float64Histogram

	// Scheduler
	SchedulerBatches       metric.Int64Counter
	SchedulerRequests      metric.Int64Counter
	SchedulerAPICallsSaved metric.Int64Counter
	SchedulerPending       metric.Int64Gauge

	// Warmer
	WarmedSymbols metric.Int64Counter

	// Janitor
	ExpiredRowsRemoved metric.Int64Counter

	CircuitBreakerState metric.Int64Gauge
	Errors              metric.Int64Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			otlpOpts = append(otlpOpts, otlpmetricgrpc.WithInsecure())
		}
		otlpExporter, err := otlpmetricgrpc.New(ctx, otlpOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	m := &Metrics{
		provider: provider,
		meter:    provider.Meter(cfg.ServiceName),
	}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() error {
	var err error

	if m.CacheRequests, err = m.meter.Int64Counter(
		"market_cache.requests",
		metric.WithDescription("Cache lookups by tier, data type and result"),
	); err != nil {
		return err
	}

	if m.CacheOpDuration, err = m.meter.Float64Histogram(
		"market_cache.operation.duration",
		metric.WithDescription("Cache tier operation duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500),
	); err != nil {
		return err
	}

	if m.CacheBackendErrors, err = m.meter.Int64Counter(
		"market_cache.backend.errors",
		metric.WithDescription("Swallowed backend failures by tier and operation"),
	); err != nil {
		return err
	}

	if m.CacheEvictions, err = m.meter.Int64Counter(
		"market_cache.evictions",
		metric.WithDescription("Entries evicted by the access tracker"),
	); err != nil {
		return err
	}

	if m.ProviderCalls, err = m.meter.Int64Counter(
		"market_cache.provider.calls",
		metric.WithDescription("Upstream provider calls"),
	); err != nil {
		return err
	}

	if m.ProviderDuration, err = m.meter.Float64Histogram(
		"market_cache.provider.duration",
		metric.WithDescription("Upstream provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}

	if m.SchedulerBatches, err = m.meter.Int64Counter(
		"market_cache.scheduler.batches",
		metric.WithDescription("Batches dispatched by the update scheduler"),
	); err != nil {
		return err
	}

	if m.SchedulerRequests, err = m.meter.Int64Counter(
		"market_cache.scheduler.requests",
		metric.WithDescription("Update requests processed by outcome"),
	); err != nil {
		return err
	}

	if m.SchedulerAPICallsSaved, err = m.meter.Int64Counter(
		"market_cache.scheduler.api_calls_saved",
		metric.WithDescription("Upstream calls avoided by batch fetching"),
	); err != nil {
		return err
	}

	if m.SchedulerPending, err = m.meter.Int64Gauge(
		"market_cache.scheduler.pending",
		metric.WithDescription("Update requests waiting in the queue"),
	); err != nil {
		return err
	}

	if m.WarmedSymbols, err = m.meter.Int64Counter(
		"market_cache.warmer.symbols",
		metric.WithDescription("Symbols warmed by outcome"),
	); err != nil {
		return err
	}

	if m.ExpiredRowsRemoved, err = m.meter.Int64Counter(
		"market_cache.durable.expired_rows_removed",
		metric.WithDescription("Expired rows purged from the durable tier"),
	); err != nil {
		return err
	}

	if m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"market_cache.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	); err != nil {
		return err
	}

	if m.Errors, err = m.meter.Int64Counter(
		"market_cache.errors",
		metric.WithDescription("Total errors encountered"),
	); err != nil {
		return err
	}

	return nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.meter != nil
}

// RecordCacheRequest records a lookup against a tier.
func (m *Metrics) RecordCacheRequest(ctx context.Context, tier, dataType string, hit bool) {
	if !m.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("data_type", dataType),
		attribute.String("result", result),
	))
}

// RecordCacheOperation records the duration of a tier operation.
func (m *Metrics) RecordCacheOperation(ctx context.Context, tier, op string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.CacheOpDuration.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("op", op),
	))
}

// RecordBackendError records a backend failure that was absorbed at the tier boundary.
func (m *Metrics) RecordBackendError(ctx context.Context, tier, op string) {
	if !m.enabled() {
		return
	}
	m.CacheBackendErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("op", op),
	))
}

// RecordEviction records an eviction with its reason.
func (m *Metrics) RecordEviction(ctx context.Context, reason string) {
	if !m.enabled() {
		return
	}
	m.CacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderCall records an upstream provider call
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, op, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("op", op),
		attribute.String("status", status),
	}
	m.ProviderCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordSchedulerBatch records one dispatched sub-group.
func (m *Metrics) RecordSchedulerBatch(ctx context.Context, batchKey string, success, failed, saved int) {
	if !m.enabled() {
		return
	}
	key := attribute.String("batch_key", batchKey)
	m.SchedulerBatches.Add(ctx, 1, metric.WithAttributes(key))
	m.SchedulerRequests.Add(ctx, int64(success), metric.WithAttributes(key, attribute.String("status", "success")))
	m.SchedulerRequests.Add(ctx, int64(failed), metric.WithAttributes(key, attribute.String("status", "failed")))
	if saved > 0 {
		m.SchedulerAPICallsSaved.Add(ctx, int64(saved), metric.WithAttributes(key))
	}
}

// SetSchedulerPending records the current queue depth.
func (m *Metrics) SetSchedulerPending(ctx context.Context, pending int) {
	if !m.enabled() {
		return
	}
	m.SchedulerPending.Record(ctx, int64(pending))
}

// RecordWarmedSymbol records the outcome of warming one symbol.
func (m *Metrics) RecordWarmedSymbol(ctx context.Context, success bool) {
	if !m.enabled() {
		return
	}
	m.WarmedSymbols.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordExpiredRows records rows purged by the janitor.
func (m *Metrics) RecordExpiredRows(ctx context.Context, rows int64) {
	if !m.enabled() {
		return
	}
	m.ExpiredRowsRemoved.Add(ctx, rows)
}

// SetCircuitBreakerState sets circuit breaker state
// 0 = closed, 1 = open, 2 = half-open
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	if !m.enabled() {
		return
	}
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// RecordError records an error
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	if !m.enabled() {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// Shutdown flushes pending exports.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// Handler returns the HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}
	// The OTel Prometheus exporter registers with the default registry.
	return promhttp.Handler()
}
