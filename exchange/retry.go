package exchange

import "time"

// RetryPolicy bounds how often a logical exchange call is attempted and how
// long to wait between attempts. Shared by every adapter call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy mirrors the adapter defaults: 5 attempts, 3s base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 3 * time.Second, MaxDelay: 30 * time.Second}
}

// Backoff returns the wait before the given retry (attempt is 0-based, so
// Backoff(0) is the wait after the first failure). Exponential, capped.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
