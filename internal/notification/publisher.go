package notification

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/market-cache/internal/platform/aws"
	"github.com/agatticelli/market-cache/internal/platform/observability"
)

// Publisher publishes cache alerts to SNS
type Publisher struct {
	snsClient *aws.SNSClient
	topicARN  string
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	SNSClient *aws.SNSClient
	TopicARN  string
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    observability.Tracer
}

// NewPublisher creates a new alert publisher
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.SNSClient == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}

	return &Publisher{
		snsClient: cfg.SNSClient,
		topicARN:  cfg.TopicARN,
		logger:    observability.OrNop(cfg.Logger).Component("notification"),
		metrics:   cfg.Metrics,
		tracer:    observability.OrNoopTracer(cfg.Tracer),
	}, nil
}

// PublishAlert publishes alert to SNS with kind and severity as filter attributes.
func (p *Publisher) PublishAlert(ctx context.Context, alert Alert) error {
	ctx, span := p.tracer.StartSpan(ctx, "notification.PublishAlert",
		attribute.String("alert_id", alert.ID),
		attribute.String("kind", string(alert.Kind)),
		attribute.String("severity", string(alert.Severity)),
	)
	defer span.End()

	attributes := map[string]string{
		"kind":     string(alert.Kind),
		"severity": string(alert.Severity),
		"service":  alert.Service,
		"hitRate":  strconv.FormatFloat(alert.HitRate, 'f', 4, 64),
	}
	if alert.Pollution.IsPolluted {
		attributes["pollutionScore"] = strconv.FormatFloat(alert.Pollution.PollutionScore, 'f', 2, 64)
	}

	messageID, err := p.snsClient.Publish(ctx, p.topicARN, alert, attributes)
	if err != nil {
		span.NoticeError(err)
		p.metrics.RecordError(ctx, "alert_publish")
		return fmt.Errorf("SNS publish failed: %w", err)
	}

	span.SetAttributes(attribute.String("message_id", messageID))
	p.logger.LogInfo(ctx, "published alert",
		"alert_id", alert.ID,
		"kind", alert.Kind,
		"severity", alert.Severity,
		"message_id", messageID,
	)
	return nil
}

// PublishBatch publishes every alert, continuing past failures.
func (p *Publisher) PublishBatch(ctx context.Context, alerts []Alert) error {
	errorCount := 0
	for _, a := range alerts {
		if err := p.PublishAlert(ctx, a); err != nil {
			errorCount++
			p.logger.LogError(ctx, "failed to publish alert in batch", err, "alert_id", a.ID)
		}
	}

	p.logger.LogInfo(ctx, "batch publish completed",
		"total", len(alerts),
		"errors", errorCount,
	)
	if errorCount > 0 {
		return fmt.Errorf("batch publish completed with %d errors out of %d", errorCount, len(alerts))
	}
	return nil
}

// CircuitBreakerState returns the current circuit breaker state
func (p *Publisher) CircuitBreakerState() string {
	return p.snsClient.CircuitBreakerState().String()
}

// ResetCircuitBreaker manually resets the circuit breaker
func (p *Publisher) ResetCircuitBreaker() {
	p.snsClient.ResetCircuitBreaker()
	p.logger.LogInfo(context.Background(), "reset SNS circuit breaker")
}
