package aws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/market-cache/internal/platform/resilience"
)

type stubSNS struct {
	mu     sync.Mutex
	inputs []*sns.PublishInput
	errs   []error
}

func (s *stubSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func fastRetry(attempts int) *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestSNSClient_Publish(t *testing.T) {
	stub := &stubSNS{}
	c := NewSNSClient(SNSClientConfig{Client: stub, RetryConfig: fastRetry(1)})

	id, err := c.Publish(context.Background(), "arn:topic", map[string]any{"kind": "pollution"}, map[string]string{"severity": "warning"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	require.Len(t, stub.inputs, 1)
	in := stub.inputs[0]
	assert.Equal(t, "arn:topic", aws.ToString(in.TopicArn))

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Message)), &body))
	assert.Equal(t, "pollution", body["kind"])

	attr, ok := in.MessageAttributes["severity"]
	require.True(t, ok)
	assert.Equal(t, "String", aws.ToString(attr.DataType))
	assert.Equal(t, "warning", aws.ToString(attr.StringValue))
}

func TestSNSClient_PublishRetriesTransientErrors(t *testing.T) {
	stub := &stubSNS{errs: []error{errors.New("throttled"), nil}}
	c := NewSNSClient(SNSClientConfig{Client: stub, RetryConfig: fastRetry(3)})

	_, err := c.Publish(context.Background(), "arn:topic", "hello", nil)
	require.NoError(t, err)
	assert.Len(t, stub.inputs, 2)
}

func TestSNSClient_BreakerOpensAfterFailures(t *testing.T) {
	boom := errors.New("unavailable")
	stub := &stubSNS{errs: []error{boom, boom, boom}}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "sns",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})
	c := NewSNSClient(SNSClientConfig{Client: stub, RetryConfig: fastRetry(1), CircuitBreaker: cb})

	for range 2 {
		_, err := c.Publish(context.Background(), "arn:topic", "x", nil)
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, c.CircuitBreakerState())

	_, err := c.Publish(context.Background(), "arn:topic", "x", nil)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Len(t, stub.inputs, 2)

	c.ResetCircuitBreaker()
	assert.Equal(t, resilience.StateClosed, c.CircuitBreakerState())
}

func TestSNSClient_PublishBatch(t *testing.T) {
	stub := &stubSNS{errs: []error{nil, errors.New("rejected")}}
	c := NewSNSClient(SNSClientConfig{Client: stub, RetryConfig: fastRetry(1)})

	err := c.PublishBatch(context.Background(), "arn:topic", []any{"a", "b", "c"}, map[string]string{"kind": "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index 1")
	require.Len(t, stub.inputs, 2)
	assert.Equal(t, "0", aws.ToString(stub.inputs[0].MessageAttributes["batch_index"].StringValue))
	assert.Equal(t, "1", aws.ToString(stub.inputs[1].MessageAttributes["batch_index"].StringValue))
	assert.Equal(t, "test", aws.ToString(stub.inputs[1].MessageAttributes["kind"].StringValue))
}
