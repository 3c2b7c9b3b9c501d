package resilience

import (
	"context"
	"math/rand"
	"time"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. The last error from fn is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == policy.MaxAttempts || (policy.Retryable != nil && !policy.Retryable(err)) {
			return err
		}

		timer := time.NewTimer(backoff(policy, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// backoff doubles BaseDelay per attempt with up to 10% jitter, capped at MaxDelay.
func backoff(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay << (attempt - 1)
	if delay <= 0 {
		return 0
	}
	delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}
