package transport

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy describes how a failed send is retried. Delays[i] is waited
// before attempt i+1, so the number of attempts is len(Delays).
type RetryPolicy struct {
	Delays      []time.Duration
	ShouldRetry func(error) bool // if nil, every error except the permanent ones is retried
}

// DefaultRetryPolicy makes three attempts at 0s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delays: []time.Duration{0, 2 * time.Second, 4 * time.Second}}
}

func (p RetryPolicy) attempts() int {
	if len(p.Delays) == 0 {
		return 1
	}
	return len(p.Delays)
}

func (p RetryPolicy) retryable(err error) bool {
	if errors.Is(err, ErrUnknownPeer) || errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return true
}

// Do runs op until it succeeds, returns a permanent error or runs out of
// attempts. Exhaustion yields a *GiveUpError.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	n := p.attempts()
	for attempt := 0; attempt < n; attempt++ {
		var delay time.Duration
		if attempt < len(p.Delays) {
			delay = p.Delays[attempt]
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
	}
	return &GiveUpError{Attempts: n, Err: lastErr}
}
