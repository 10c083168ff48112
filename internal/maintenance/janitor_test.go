package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agatticelli/market-cache/internal/analytics"
	"github.com/agatticelli/market-cache/internal/notification"
)

type fakeCleaner struct {
	rows int64
	err  error
}

func (f *fakeCleaner) CleanupExpired(context.Context) (int64, error) { return f.rows, f.err }

type fakePruner struct {
	mu    sync.Mutex
	calls []int
}

func (f *fakePruner) ClearOldPatterns(days int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, days)
	return 2
}

type fakeReliever struct {
	evicted int
	err     error
}

func (f *fakeReliever) RelieveMemoryPressure(context.Context) (int, error) { return f.evicted, f.err }

type fakeReports struct{ report analytics.Report }

func (f *fakeReports) Report() analytics.Report { return f.report }

type fakePublisher struct {
	mu     sync.Mutex
	alerts []notification.Alert
	err    error
}

func (f *fakePublisher) PublishAlert(_ context.Context, a notification.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakePublisher) CircuitBreakerState() string { return "closed" }

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func pollutedReport() analytics.Report {
	return analytics.Report{
		TotalRequests:   100,
		HitRate:         0.6,
		Pollution:       analytics.PollutionReport{PollutionScore: 40, IsPolluted: true},
		Recommendations: []string{"Cache pollution detected"},
	}
}

func TestRunOnce_AllTasks(t *testing.T) {
	pruner := &fakePruner{}
	pub := &fakePublisher{}
	j := New(Config{
		ServiceName: "market-cache",
		Expired:     &fakeCleaner{rows: 7},
		Patterns:    pruner,
		Pressure:    &fakeReliever{evicted: 3},
		Reports:     &fakeReports{report: pollutedReport()},
		Publisher:   pub,
		Clock:       clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)),
	})

	res := j.RunOnce(context.Background())
	assert.Equal(t, int64(7), res.ExpiredRows)
	assert.Equal(t, 2, res.PatternsRemoved)
	assert.Equal(t, 3, res.KeysEvicted)
	assert.Equal(t, "cache_pollution", res.AlertKind)
	assert.True(t, res.AlertPublished)
	assert.Zero(t, res.Errors)

	assert.Equal(t, []int{0}, pruner.calls)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, "market-cache", pub.alerts[0].Service)

	st := j.Stats()
	assert.Equal(t, int64(1), st.Runs)
	assert.Equal(t, int64(7), st.ExpiredRows)
	assert.Equal(t, int64(1), st.AlertsPublished)
	assert.False(t, st.LastRun.IsZero())
}

func TestRunOnce_FailuresDoNotStopOtherTasks(t *testing.T) {
	pruner := &fakePruner{}
	j := New(Config{
		Expired:  &fakeCleaner{err: errors.New("connection refused")},
		Patterns: pruner,
		Pressure: &fakeReliever{evicted: 1, err: errors.New("redis down")},
	})

	res := j.RunOnce(context.Background())
	assert.Equal(t, 2, res.Errors)
	assert.Zero(t, res.ExpiredRows)
	assert.Equal(t, 1, res.KeysEvicted)
	assert.Len(t, pruner.calls, 1)
	assert.Equal(t, int64(2), j.Stats().Errors)
}

func TestRunOnce_NilDependenciesAreSkipped(t *testing.T) {
	j := New(Config{})
	res := j.RunOnce(context.Background())
	assert.Equal(t, RunResult{}, res)
}

func TestRunOnce_HealthyReportRaisesNoAlert(t *testing.T) {
	pub := &fakePublisher{}
	j := New(Config{
		Reports:   &fakeReports{report: analytics.Report{Recommendations: []string{analytics.OptimalMessage}}},
		Publisher: pub,
	})

	res := j.RunOnce(context.Background())
	assert.Empty(t, res.AlertKind)
	assert.False(t, res.AlertPublished)
	assert.Zero(t, pub.count())
}

func TestRunOnce_AlertCooldown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC))
	pub := &fakePublisher{}
	j := New(Config{
		Reports:       &fakeReports{report: pollutedReport()},
		Publisher:     pub,
		AlertCooldown: 30 * time.Minute,
		Clock:         clock,
	})

	assert.True(t, j.RunOnce(context.Background()).AlertPublished)

	clock.Advance(10 * time.Minute)
	res := j.RunOnce(context.Background())
	assert.Equal(t, "cache_pollution", res.AlertKind)
	assert.False(t, res.AlertPublished)

	clock.Advance(25 * time.Minute)
	assert.True(t, j.RunOnce(context.Background()).AlertPublished)
	assert.Equal(t, 2, pub.count())
}

func TestRunOnce_FailedAlertIsRetriedNextPass(t *testing.T) {
	pub := &fakePublisher{err: errors.New("sns unavailable")}
	j := New(Config{
		Reports:   &fakeReports{report: pollutedReport()},
		Publisher: pub,
		Clock:     clockwork.NewFakeClock(),
	})

	res := j.RunOnce(context.Background())
	assert.False(t, res.AlertPublished)
	assert.Equal(t, 1, res.Errors)

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	assert.True(t, j.RunOnce(context.Background()).AlertPublished)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := clockwork.NewFakeClock()
	pruner := &fakePruner{}
	j := New(Config{Interval: time.Minute, Patterns: pruner, Clock: clock})

	require.NoError(t, j.Start(context.Background()))
	assert.ErrorIs(t, j.Start(context.Background()), ErrAlreadyRunning)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool { return j.Stats().Runs == 1 }, time.Second, 5*time.Millisecond)

	j.Stop()
	j.Stop()
}
