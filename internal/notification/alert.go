package notification

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agatticelli/market-cache/internal/analytics"
)

// AlertKind names what triggered an alert.
type AlertKind string

const (
	AlertCachePollution  AlertKind = "cache_pollution"
	AlertRecommendations AlertKind = "recommendations"
)

// Severity of an alert, used as an SNS filter attribute.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// criticalHitRate marks alerts whose overall hit rate has collapsed.
const criticalHitRate = 0.3

// Alert is a cache health notification built from an analytics report.
type Alert struct {
	ID              string                    `json:"id"`
	Kind            AlertKind                 `json:"kind"`
	Severity        Severity                  `json:"severity"`
	Service         string                    `json:"service"`
	GeneratedAt     time.Time                 `json:"generated_at"`
	TotalRequests   int64                     `json:"total_requests"`
	HitRate         float64                   `json:"hit_rate"`
	Pollution       analytics.PollutionReport `json:"pollution"`
	Recommendations []string                  `json:"recommendations"`
}

// AlertFromReport derives an alert from r. ok is false when the report is healthy.
func AlertFromReport(service string, r analytics.Report) (alert Alert, ok bool) {
	var kind AlertKind
	switch {
	case r.Pollution.IsPolluted:
		kind = AlertCachePollution
	case !analytics.IsOptimal(r.Recommendations):
		kind = AlertRecommendations
	default:
		return Alert{}, false
	}

	sev := SeverityInfo
	if kind == AlertCachePollution {
		sev = SeverityWarning
	}
	if r.TotalRequests > 0 && r.HitRate < criticalHitRate {
		sev = SeverityCritical
	}

	return Alert{
		ID:              uuid.NewString(),
		Kind:            kind,
		Severity:        sev,
		Service:         service,
		GeneratedAt:     r.GeneratedAt,
		TotalRequests:   r.TotalRequests,
		HitRate:         r.HitRate,
		Pollution:       r.Pollution,
		Recommendations: r.Recommendations,
	}, true
}

// AlertPublisher delivers alerts somewhere an operator will see them.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert Alert) error
	CircuitBreakerState() string
}
