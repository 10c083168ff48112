package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/market-cache/internal/analytics"
	"github.com/agatticelli/market-cache/internal/platform/aws"
	"github.com/agatticelli/market-cache/internal/platform/observability"
	"github.com/agatticelli/market-cache/internal/platform/resilience"
)

type recordingSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (r *recordingSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	r.inputs = append(r.inputs, in)
	if r.err != nil {
		return nil, r.err
	}
	return &sns.PublishOutput{MessageId: awssdk.String("m-42")}, nil
}

func newTestPublisher(t *testing.T, api aws.SNSAPI) *Publisher {
	t.Helper()
	client := aws.NewSNSClient(aws.SNSClientConfig{
		Client:      api,
		RetryConfig: &resilience.RetryConfig{MaxAttempts: 1},
	})
	p, err := NewPublisher(PublisherConfig{SNSClient: client, TopicARN: "arn:aws:sns:us-east-1:000000000000:cache-alerts"})
	require.NoError(t, err)
	return p
}

func pollutedReport() analytics.Report {
	return analytics.Report{
		GeneratedAt:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		TotalRequests: 200,
		Hits:          120,
		Misses:        80,
		HitRate:       0.6,
		Pollution: analytics.PollutionReport{
			SingleAccessKeys:    90,
			OldSingleAccessKeys: 40,
			PollutionScore:      45,
			IsPolluted:          true,
		},
		Recommendations: []string{"Cache pollution detected (score 45.0); many keys are read once and never reused"},
	}
}

func TestAlertFromReport(t *testing.T) {
	tests := []struct {
		name     string
		report   analytics.Report
		wantOK   bool
		wantKind AlertKind
		wantSev  Severity
	}{
		{
			name:   "optimal report raises nothing",
			report: analytics.Report{TotalRequests: 10, HitRate: 0.95, Recommendations: []string{analytics.OptimalMessage}},
		},
		{
			name:     "pollution is a warning",
			report:   pollutedReport(),
			wantOK:   true,
			wantKind: AlertCachePollution,
			wantSev:  SeverityWarning,
		},
		{
			name:     "recommendations alone are informational",
			report:   analytics.Report{TotalRequests: 10, HitRate: 0.7, Recommendations: []string{"price hit rate is 40.0%; review its TTL"}},
			wantOK:   true,
			wantKind: AlertRecommendations,
			wantSev:  SeverityInfo,
		},
		{
			name:     "collapsed hit rate is critical",
			report:   analytics.Report{TotalRequests: 100, HitRate: 0.1, Recommendations: []string{"Overall hit rate is 10.0%"}},
			wantOK:   true,
			wantKind: AlertRecommendations,
			wantSev:  SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert, ok := AlertFromReport("market-cache", tt.report)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantKind, alert.Kind)
			assert.Equal(t, tt.wantSev, alert.Severity)
			assert.Equal(t, "market-cache", alert.Service)
			assert.NotEmpty(t, alert.ID)
		})
	}
}

func TestNewPublisher_Validation(t *testing.T) {
	_, err := NewPublisher(PublisherConfig{TopicARN: "arn"})
	assert.Error(t, err)

	client := aws.NewSNSClient(aws.SNSClientConfig{Client: &recordingSNS{}})
	_, err = NewPublisher(PublisherConfig{SNSClient: client})
	assert.Error(t, err)
}

func TestPublisher_PublishAlert(t *testing.T) {
	api := &recordingSNS{}
	p := newTestPublisher(t, api)

	alert, ok := AlertFromReport("market-cache", pollutedReport())
	require.True(t, ok)
	require.NoError(t, p.PublishAlert(context.Background(), alert))

	require.Len(t, api.inputs, 1)
	in := api.inputs[0]
	assert.Equal(t, "arn:aws:sns:us-east-1:000000000000:cache-alerts", awssdk.ToString(in.TopicArn))
	assert.Equal(t, "cache_pollution", awssdk.ToString(in.MessageAttributes["kind"].StringValue))
	assert.Equal(t, "warning", awssdk.ToString(in.MessageAttributes["severity"].StringValue))
	assert.Equal(t, "45.00", awssdk.ToString(in.MessageAttributes["pollutionScore"].StringValue))

	var decoded Alert
	require.NoError(t, json.Unmarshal([]byte(awssdk.ToString(in.Message)), &decoded))
	assert.Equal(t, alert.ID, decoded.ID)
	assert.True(t, decoded.Pollution.IsPolluted)
	assert.Equal(t, "closed", p.CircuitBreakerState())
}

func TestPublisher_PublishBatchCountsFailures(t *testing.T) {
	api := &recordingSNS{err: errors.New("endpoint unreachable")}
	p := newTestPublisher(t, api)

	alert, _ := AlertFromReport("market-cache", pollutedReport())
	err := p.PublishBatch(context.Background(), []Alert{alert, alert})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors out of 2")
	assert.Len(t, api.inputs, 2)
}

func TestNoOpPublisher_LogsAlert(t *testing.T) {
	var buf bytes.Buffer
	p := NewNoOpPublisher(observability.NewLoggerWithWriter(&buf, "info", "json"))

	alert, _ := AlertFromReport("market-cache", pollutedReport())
	require.NoError(t, p.PublishAlert(context.Background(), alert))
	assert.Contains(t, buf.String(), "cache alert (SNS disabled)")
	assert.Contains(t, buf.String(), alert.ID)
	assert.Equal(t, "closed", p.CircuitBreakerState())
}
