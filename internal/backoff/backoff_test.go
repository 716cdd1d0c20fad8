package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 4 * time.Second, Factor: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second}, // clamped to attempt 1
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 4 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestDelayJitterIsBounded(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Factor: 2, Jitter: 0.5}

	if got := p.delay(1, 0); got != 100*time.Millisecond {
		t.Errorf("zero random must yield the base delay, got %v", got)
	}
	if got := p.delay(1, 1); got != 150*time.Millisecond {
		t.Errorf("full jitter must add half the base, got %v", got)
	}
}

func TestDelayUncappedWhenMaxZero(t *testing.T) {
	p := Policy{Initial: time.Second, Factor: 2}
	if got := p.Delay(6); got != 32*time.Second {
		t.Errorf("expected 32s, got %v", got)
	}
}

func TestSleepRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, 5*time.Second)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not abort on cancellation")
	}
}

func TestSleepZeroReturnsImmediately(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
