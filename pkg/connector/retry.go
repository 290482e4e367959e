package connector

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds how often a request is reissued after a transient or
// malformed response. The delay before retry n is BaseDelay * 2^(n-1),
// capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy gives up after five retries (about 15s of total backoff).
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 5,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   30 * time.Second,
}

func (p RetryPolicy) delay(retry int) time.Duration {
	shift := max(retry-1, 0)
	if p.BaseDelay > 0 && (shift >= 63 || p.BaseDelay > math.MaxInt64>>shift) {
		// The doubled delay no longer fits in a Duration.
		if p.MaxDelay > 0 {
			return p.MaxDelay
		}
		return math.MaxInt64
	}
	d := p.BaseDelay << shift
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// isRetryable reports whether err is worth reissuing the same request for.
// Authentication failures and context cancellation never are.
func isRetryable(err error) bool {
	if errors.Is(err, ErrAuthFailure) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrMalformedResponse)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. It returns the number of attempts made and the last error.
// The context bounds the total time: a cancelled context stops the backoff
// sleep immediately.
func (p RetryPolicy) Do(ctx context.Context, log zerolog.Logger, fn func() error) (int, error) {
	var lastErr error
	attempts := 0
	for retry := 0; retry <= p.MaxRetries; retry++ {
		if retry > 0 {
			backoff := p.delay(retry)
			log.Warn().Err(lastErr).
				Int("attempt", attempts).
				Dur("retry_in", backoff).
				Msg("Request failed, retrying")
			select {
			case <-ctx.Done():
				return attempts, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := ctx.Err(); err != nil {
			return attempts, err
		}
		attempts++
		lastErr = fn()
		if lastErr == nil {
			return attempts, nil
		}
		if !isRetryable(lastErr) {
			return attempts, lastErr
		}
	}
	return attempts, lastErr
}
