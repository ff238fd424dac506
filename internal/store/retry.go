package store

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds the exponential backoff applied to transient backend
// failures at the store boundary.
type RetryPolicy struct {
	Attempts   int           // Total attempts including the first (min 1)
	BaseDelay  time.Duration // Delay before the second attempt
	Multiplier float64       // Backoff growth factor
	MaxDelay   time.Duration // Ceiling on any single delay
}

// DefaultRetryPolicy is applied when Options.Retry is zero.
// 4 attempts: 0ms, 50ms, 100ms, 200ms.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:   4,
	BaseDelay:  50 * time.Millisecond,
	Multiplier: 2,
	MaxDelay:   2 * time.Second,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetryPolicy.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// withRetry runs fn up to p.Attempts times, backing off between attempts.
// Business-rule errors (quota, not found, malformed batch) and context
// cancellation abort immediately - only backend failures are retried.
// Exhaustion wraps the last error in a StorageError.
func withRetry(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	p = p.normalized()

	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err

		if attempt == p.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return &StorageError{Op: op, Attempts: p.Attempts, Err: lastErr}
}

// retryable reports whether an error is a transient backend failure.
// Typed business errors never retry; neither does context cancellation.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrBatchNotOrdered) {
		return false
	}
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return false
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return false
	}
	return true
}
