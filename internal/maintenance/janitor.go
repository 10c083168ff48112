// Package maintenance runs the periodic housekeeping the cache tiers need:
// purging expired durable rows, pruning stale query patterns, relieving memory
// pressure on the fast tier and raising alerts from analytics.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/market-cache/internal/analytics"
	"github.com/agatticelli/market-cache/internal/notification"
	"github.com/agatticelli/market-cache/internal/platform/observability"
)

// ErrAlreadyRunning is returned by Start on a running janitor.
var ErrAlreadyRunning = errors.New("janitor already running")

const defaultInterval = 10 * time.Minute

// ExpiredCleaner purges rows past their TTL from the durable tier.
type ExpiredCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// PatternPruner drops query patterns older than the retention window.
type PatternPruner interface {
	ClearOldPatterns(days int) int
}

// PressureReliever evicts cold keys once the fast tier is near capacity.
type PressureReliever interface {
	RelieveMemoryPressure(ctx context.Context) (int, error)
}

// ReportSource produces the analytics report alerts are derived from.
type ReportSource interface {
	Report() analytics.Report
}

// Config for New. Every dependency is optional; a nil one skips its task.
type Config struct {
	Interval    time.Duration
	ServiceName string

	Expired   ExpiredCleaner
	Patterns  PatternPruner
	Pressure  PressureReliever
	Reports   ReportSource
	Publisher notification.AlertPublisher

	// AlertCooldown suppresses repeat alerts of the same kind. Defaults to one hour.
	AlertCooldown time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
	Clock   clockwork.Clock
}

// RunResult summarizes one maintenance pass.
type RunResult struct {
	ExpiredRows     int64  `json:"expired_rows"`
	PatternsRemoved int    `json:"patterns_removed"`
	KeysEvicted     int    `json:"keys_evicted"`
	AlertKind       string `json:"alert_kind,omitempty"`
	AlertPublished  bool   `json:"alert_published"`
	Errors          int    `json:"errors"`
}

// Stats are cumulative janitor counters.
type Stats struct {
	Runs            int64     `json:"runs"`
	ExpiredRows     int64     `json:"expired_rows"`
	PatternsRemoved int64     `json:"patterns_removed"`
	KeysEvicted     int64     `json:"keys_evicted"`
	AlertsPublished int64     `json:"alerts_published"`
	Errors          int64     `json:"errors"`
	LastRun         time.Time `json:"last_run"`
}

// Janitor performs maintenance on a fixed interval.
type Janitor struct {
	interval  time.Duration
	service   string
	cooldown  time.Duration
	expired   ExpiredCleaner
	patterns  PatternPruner
	pressure  PressureReliever
	reports   ReportSource
	publisher notification.AlertPublisher

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
	clock   clockwork.Clock

	alertMu    sync.Mutex
	lastAlerts map[notification.AlertKind]time.Time

	runs, expiredRows, patternsRemoved, keysEvicted, alerts, errs atomic.Int64

	lastRun atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Janitor.
func New(cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Janitor{
		interval:   cfg.Interval,
		service:    cfg.ServiceName,
		cooldown:   cfg.AlertCooldown,
		expired:    cfg.Expired,
		patterns:   cfg.Patterns,
		pressure:   cfg.Pressure,
		reports:    cfg.Reports,
		publisher:  cfg.Publisher,
		logger:     observability.OrNop(cfg.Logger).Component("janitor"),
		metrics:    cfg.Metrics,
		tracer:     observability.OrNoopTracer(cfg.Tracer),
		clock:      cfg.Clock,
		lastAlerts: make(map[notification.AlertKind]time.Time),
	}
}

// RunOnce performs a single maintenance pass. A failing task is logged and counted;
// the remaining tasks still run.
func (j *Janitor) RunOnce(ctx context.Context) RunResult {
	ctx, span := j.tracer.StartSpan(ctx, "maintenance.RunOnce")
	defer span.End()

	var res RunResult

	if j.expired != nil {
		n, err := j.expired.CleanupExpired(ctx)
		if err != nil {
			res.Errors++
			span.NoticeError(err)
			j.logger.LogError(ctx, "expired row cleanup failed", err)
		} else {
			res.ExpiredRows = n
			j.metrics.RecordExpiredRows(ctx, n)
		}
	}

	if j.patterns != nil {
		res.PatternsRemoved = j.patterns.ClearOldPatterns(0)
	}

	if j.pressure != nil {
		n, err := j.pressure.RelieveMemoryPressure(ctx)
		res.KeysEvicted = n
		if err != nil {
			res.Errors++
			span.NoticeError(err)
			j.logger.LogError(ctx, "memory pressure relief failed", err, "evicted", n)
		}
	}

	if j.reports != nil && j.publisher != nil {
		j.maybeAlert(ctx, &res)
	}

	j.runs.Add(1)
	j.expiredRows.Add(res.ExpiredRows)
	j.patternsRemoved.Add(int64(res.PatternsRemoved))
	j.keysEvicted.Add(int64(res.KeysEvicted))
	j.errs.Add(int64(res.Errors))
	j.lastRun.Store(j.clock.Now().UnixNano())

	span.SetAttributes(
		attribute.Int64("expired_rows", res.ExpiredRows),
		attribute.Int("patterns_removed", res.PatternsRemoved),
		attribute.Int("keys_evicted", res.KeysEvicted),
		attribute.Bool("alert_published", res.AlertPublished),
	)
	j.logger.LogDebug(ctx, "maintenance pass complete",
		"expired_rows", res.ExpiredRows,
		"patterns_removed", res.PatternsRemoved,
		"keys_evicted", res.KeysEvicted,
		"errors", res.Errors,
	)
	return res
}

func (j *Janitor) maybeAlert(ctx context.Context, res *RunResult) {
	alert, ok := notification.AlertFromReport(j.service, j.reports.Report())
	if !ok {
		return
	}
	res.AlertKind = string(alert.Kind)

	now := j.clock.Now()
	j.alertMu.Lock()
	last, seen := j.lastAlerts[alert.Kind]
	if seen && now.Sub(last) < j.cooldown {
		j.alertMu.Unlock()
		return
	}
	j.lastAlerts[alert.Kind] = now
	j.alertMu.Unlock()

	if err := j.publisher.PublishAlert(ctx, alert); err != nil {
		res.Errors++
		j.logger.LogError(ctx, "alert publish failed", err, "kind", alert.Kind)

		// Allow a retry on the next pass.
		j.alertMu.Lock()
		if seen {
			j.lastAlerts[alert.Kind] = last
		} else {
			delete(j.lastAlerts, alert.Kind)
		}
		j.alertMu.Unlock()
		return
	}
	res.AlertPublished = true
	j.alerts.Add(1)
}

// Start runs RunOnce every Interval until Stop or ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	j.runMu.Lock()
	defer j.runMu.Unlock()
	if j.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.run(ctx, j.done)
	j.logger.LogInfo(ctx, "janitor started", "interval", j.interval.String())
	return nil
}

func (j *Janitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			j.RunOnce(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight pass.
func (j *Janitor) Stop() {
	j.runMu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	j.logger.LogInfo(context.Background(), "janitor stopped")
}

// Stats returns cumulative counters.
func (j *Janitor) Stats() Stats {
	s := Stats{
		Runs:            j.runs.Load(),
		ExpiredRows:     j.expiredRows.Load(),
		PatternsRemoved: j.patternsRemoved.Load(),
		KeysEvicted:     j.keysEvicted.Load(),
		AlertsPublished: j.alerts.Load(),
		Errors:          j.errs.Load(),
	}
	if ns := j.lastRun.Load(); ns != 0 {
		s.LastRun = time.Unix(0, ns)
	}
	return s
}
