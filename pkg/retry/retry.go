package retry

import (
	"context"
	"time"
)

// DelayFunc computes the wait before the next attempt. The attempt argument is
// the 1-based number of the attempt that just failed.
type DelayFunc func(attempt int) time.Duration

// Linear returns a delay function growing as base × attempt.
func Linear(base time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Constant returns a fixed delay between attempts.
func Constant(base time.Duration) DelayFunc {
	return func(int) time.Duration {
		return base
	}
}

// Policy describes a bounded retry loop shared by external clients.
type Policy struct {
	MaxAttempts int
	Delay       DelayFunc

	// Retryable decides whether an error is worth another attempt. A nil
	// function retries everything up to MaxAttempts.
	Retryable func(error) bool

	sleep func(context.Context, time.Duration) error
}

// Option customises a Policy.
type Option func(*Policy)

// WithRetryable restricts retries to errors accepted by fn.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) {
		if fn != nil {
			p.Retryable = fn
		}
	}
}

// WithSleep overrides the waiting primitive, primarily for testing.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// NewPolicy constructs a Policy with the provided bounds.
func NewPolicy(maxAttempts int, delay DelayFunc, opts ...Option) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if delay == nil {
		delay = Constant(0)
	}

	p := Policy{
		MaxAttempts: maxAttempts,
		Delay:       delay,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Do runs fn up to MaxAttempts times, waiting Delay(attempt) between attempts.
// The last error is returned when all attempts fail. Context cancellation
// aborts the wait and returns the context error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}

		if attempt == p.MaxAttempts {
			break
		}

		if err := p.sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}

	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
