package llm

import (
	"context"
	"strings"
	"time"

	"github.com/Chen-speculation/narrarc/internal/logging"
)

// RetryPolicy retries an operation with exponential backoff when the error
// matches the Retryable predicate. Non-matching errors fail immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
}

// DefaultRetry retries rate-limit responses up to 3 times with 5s, 10s, 20s
// waits. Anything else is fatal for the call.
func DefaultRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		Retryable:   IsRateLimit,
	}
}

// Do runs fn, retrying per the policy. The last error is returned after
// attempts exhaust.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		delay := p.BaseDelay * (1 << attempt)
		logging.LLMDebug("retryable error (attempt %d/%d), sleeping %v: %v", attempt+1, p.MaxAttempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// IsRateLimit reports whether err looks like a rate-limit response.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}
