package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type statusError struct{ code int }

func (e statusError) Error() string   { return fmt.Sprintf("status code %d", e.code) }
func (e statusError) StatusCode() int { return e.code }

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errUpstream
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastRetry(2), func(ctx context.Context) (string, error) {
		calls++
		return "", errUpstream
	})
	if !errors.Is(err, errUpstream) {
		t.Fatalf("Expected wrapped upstream error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	cfg := fastRetry(5)
	cfg.IsRetryable = IsRetryable

	calls := 0
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return statusError{code: 404}
	})
	if err == nil || calls != 1 {
		t.Errorf("Expected a single attempt for a 404, got %d calls (err=%v)", calls, err)
	}
}

func TestRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastRetry(3), func(ctx context.Context) error { return errUpstream })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", ErrCircuitOpen, false},
		{"cancelled", context.Canceled, false},
		{"bad request", statusError{400}, false},
		{"too many requests", statusError{429}, true},
		{"server error", statusError{503}, true},
		{"generic", errUpstream, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRateLimiterRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiterWithClock(2, 2, clock)

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("Expected burst of 2 to be allowed")
	}
	if rl.Allow() {
		t.Fatal("Expected third request to be rejected")
	}

	clock.Advance(500 * time.Millisecond)
	if !rl.Allow() {
		t.Error("Expected one token after 500ms at 2/s")
	}

	_, burst, tokens := rl.Stats()
	if burst != 2 || tokens >= 1 {
		t.Errorf("unexpected stats: burst=%d tokens=%f", burst, tokens)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiterWithClock(1, 1, clockwork.NewFakeClock())
	rl.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
