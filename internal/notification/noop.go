package notification

import (
	"context"

	"github.com/agatticelli/market-cache/internal/platform/observability"
)

// NoOpPublisher logs alerts instead of publishing them.
// Used when no SNS topic is configured.
type NoOpPublisher struct {
	logger *observability.Logger
}

// NewNoOpPublisher creates a publisher that only logs.
func NewNoOpPublisher(logger *observability.Logger) *NoOpPublisher {
	return &NoOpPublisher{logger: observability.OrNop(logger).Component("notification")}
}

// PublishAlert logs the alert.
func (p *NoOpPublisher) PublishAlert(ctx context.Context, alert Alert) error {
	p.logger.LogWarn(ctx, "cache alert (SNS disabled)",
		"alert_id", alert.ID,
		"kind", alert.Kind,
		"severity", alert.Severity,
		"hit_rate", alert.HitRate,
		"pollution_score", alert.Pollution.PollutionScore,
		"recommendations", len(alert.Recommendations),
	)
	return nil
}

// CircuitBreakerState returns "closed" since there's no circuit breaker.
func (p *NoOpPublisher) CircuitBreakerState() string {
	return "closed"
}
