package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
)

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	base := NewBase("test", 3, time.Millisecond, time.Second)

	calls := 0
	attempts, err := base.Retry(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	base := NewBase("test", 3, time.Millisecond, time.Second)

	calls := 0
	attempts, err := base.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return llmerrors.RateLimit("test", 0, errors.New("throttled"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	base := NewBase("test", 5, time.Millisecond, time.Second)

	calls := 0
	attempts, err := base.Retry(context.Background(), func() error {
		calls++
		return llmerrors.Authentication("test", "bad key")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if llmerrors.KindOf(err) != llmerrors.KindAuthentication {
		t.Errorf("expected authentication kind, got %v", llmerrors.KindOf(err))
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	base := NewBase("test", 3, time.Millisecond, time.Second)

	calls := 0
	attempts, err := base.Retry(context.Background(), func() error {
		calls++
		return llmerrors.ProviderFailure("test", "m", 503, errors.New("unavailable"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	base := NewBase("test", 5, 50*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := base.Retry(ctx, func() error {
		calls++
		return llmerrors.ProviderFailure("test", "m", 500, errors.New("boom"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if llmerrors.KindOf(err) != llmerrors.KindTimeout {
		t.Errorf("expected timeout kind on cancellation, got %v", llmerrors.KindOf(err))
	}
	if calls > 2 {
		t.Errorf("expected retries to stop after cancel, got %d calls", calls)
	}
}

func TestDelayHonorsRetryAfter(t *testing.T) {
	base := NewBase("test", 3, time.Second, time.Minute)

	err := llmerrors.RateLimit("test", 250*time.Millisecond, errors.New("throttled"))
	if got := base.delay(1, err); got != 250*time.Millisecond {
		t.Errorf("expected retry-after delay, got %v", got)
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	base := NewBase("test", 10, time.Second, time.Minute)
	base.policy.Max = 4 * time.Second

	plainErr := llmerrors.ProviderFailure("test", "m", 500, errors.New("boom"))
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 4 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := base.delay(tc.attempt, plainErr); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestCallContextDefaultsToAdapterTimeout(t *testing.T) {
	base := NewBase("test", 3, time.Millisecond, 50*time.Millisecond)

	ctx, cancel := base.CallContext(context.Background(), 0)
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected deadline")
	}
	if remaining := time.Until(deadline); remaining > 60*time.Millisecond {
		t.Errorf("deadline too far out: %v", remaining)
	}
}
