package providers

import (
	"context"
	"time"

	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/llm/llmerrors"
)

const defaultMaxBackoff = 30 * time.Second

// Base holds shared retry configuration for provider adapters.
type Base struct {
	name       string
	maxRetries int
	policy     backoff.Policy
	timeout    time.Duration
}

// NewBase creates a retry base with sane defaults.
func NewBase(name string, maxRetries int, retryDelay, timeout time.Duration) Base {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return Base{
		name:       name,
		maxRetries: maxRetries,
		policy:     backoff.Policy{Initial: retryDelay, Max: defaultMaxBackoff, Factor: 2},
		timeout:    timeout,
	}
}

// Timeout returns the per-call deadline applied when the request does not
// carry its own.
func (b *Base) Timeout() time.Duration {
	return b.timeout
}

// Retry executes op with exponential backoff until it succeeds, a
// non-retryable error occurs, or attempts are exhausted. Rate-limit errors
// carrying a vendor retry-after wait that long instead. Returns the 1-based
// number of attempts made alongside the final error.
func (b *Base) Retry(ctx context.Context, op func() error) (int, error) {
	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, b.delay(attempt, lastErr)); err != nil {
				return attempt, llmerrors.Timeout(b.name, err)
			}
		}

		if err := ctx.Err(); err != nil {
			return attempt + 1, llmerrors.Timeout(b.name, err)
		}

		err := op()
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if !llmerrors.IsRetryable(err) {
			return attempt + 1, err
		}
	}
	return b.maxRetries, lastErr
}

// delay returns the wait before the given retry, honoring a vendor
// retry-after over the computed backoff.
func (b *Base) delay(attempt int, lastErr error) time.Duration {
	if wait := llmerrors.RetryAfterOf(lastErr); wait > 0 {
		return wait
	}
	return b.policy.Delay(attempt)
}

// CallContext returns a derived context bounded by the request timeout (or
// the adapter default) together with its cancel func.
func (b *Base) CallContext(ctx context.Context, reqTimeout time.Duration) (context.Context, context.CancelFunc) {
	timeout := reqTimeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	return context.WithTimeout(ctx, timeout)
}
