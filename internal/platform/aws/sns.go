package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/jonboulle/clockwork"

	"github.com/agatticelli/market-cache/internal/platform/observability"
	"github.com/agatticelli/market-cache/internal/platform/resilience"
)

// SNSAPI is the subset of the SNS client used for publishing.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSClient wraps AWS SNS client with resilience patterns
type SNSClient struct {
	client         SNSAPI
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    resilience.RetryConfig
	logger         *observability.Logger
	metrics        *observability.Metrics
	clock          clockwork.Clock
}

// SNSClientConfig holds SNS client configuration
type SNSClientConfig struct {
	AWSConfig aws.Config

	// Client replaces the SDK client built from AWSConfig.
	Client SNSAPI

	Logger         *observability.Logger
	Metrics        *observability.Metrics
	RetryConfig    *resilience.RetryConfig
	CircuitBreaker *resilience.CircuitBreaker
	Clock          clockwork.Clock
}

// NewSNSClient creates a new SNS client with resilience patterns
func NewSNSClient(cfg SNSClientConfig) *SNSClient {
	client := cfg.Client
	if client == nil {
		client = sns.NewFromConfig(cfg.AWSConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	retryConfig := resilience.DefaultRetryConfig()
	if cfg.RetryConfig != nil {
		retryConfig = *cfg.RetryConfig
	}

	logger := observability.OrNop(cfg.Logger).Component("sns")
	circuitBreaker := cfg.CircuitBreaker
	if circuitBreaker == nil {
		circuitBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "sns",
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			Clock:            cfg.Clock,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.LogInfo(context.Background(), "circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
				cfg.Metrics.SetCircuitBreakerState(context.Background(), name, int64(to))
			},
		})
	}

	return &SNSClient{
		client:         client,
		circuitBreaker: circuitBreaker,
		retryConfig:    retryConfig,
		logger:         logger,
		metrics:        cfg.Metrics,
		clock:          cfg.Clock,
	}
}

// Publish publishes a message to SNS topic with retry and circuit breaker.
// It returns the SNS message ID.
func (s *SNSClient) Publish(ctx context.Context, topicARN string, message any, attributes map[string]string) (string, error) {
	start := s.clock.Now()

	messageJSON, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	id, err := resilience.ExecuteWithResult(s.circuitBreaker, ctx, func(ctx context.Context) (string, error) {
		return resilience.RetryWithResult(ctx, s.retryConfig, func(ctx context.Context) (string, error) {
			return s.publishOnce(ctx, topicARN, string(messageJSON), attributes)
		})
	})

	duration := s.clock.Since(start)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.LogError(ctx, "SNS publish failed", err,
			"topic_arn", topicARN,
			"duration_ms", duration.Milliseconds(),
		)
	}
	s.metrics.RecordProviderCall(ctx, "sns", "publish", status, duration)

	return id, err
}

func (s *SNSClient) publishOnce(ctx context.Context, topicARN, message string, attributes map[string]string) (string, error) {
	messageAttributes := make(map[string]types.MessageAttributeValue, len(attributes))
	for k, v := range attributes {
		messageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(topicARN),
		Message:           aws.String(message),
		MessageAttributes: messageAttributes,
	})
	if err != nil {
		return "", fmt.Errorf("SNS publish failed: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// PublishBatch publishes messages one at a time, tagging each with its batch index.
// It stops at the first failure.
func (s *SNSClient) PublishBatch(ctx context.Context, topicARN string, messages []any, attributes map[string]string) error {
	for i, msg := range messages {
		batchAttrs := maps.Clone(attributes)
		if batchAttrs == nil {
			batchAttrs = make(map[string]string, 1)
		}
		batchAttrs["batch_index"] = strconv.Itoa(i)

		if _, err := s.Publish(ctx, topicARN, msg, batchAttrs); err != nil {
			return fmt.Errorf("batch publish failed at index %d: %w", i, err)
		}
	}
	return nil
}

// CircuitBreakerState returns current circuit breaker state
func (s *SNSClient) CircuitBreakerState() resilience.State {
	return s.circuitBreaker.State()
}

// ResetCircuitBreaker manually resets the circuit breaker
func (s *SNSClient) ResetCircuitBreaker() {
	s.circuitBreaker.Reset()
}
