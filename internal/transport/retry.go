package transport

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mtaalamux/client/pkg/metrics"
)

// RetryPolicy bounds the transparent retry of rate-limited requests.
type RetryPolicy struct {
	BaseDelay   time.Duration // first backoff, doubled per attempt
	MaxDelay    time.Duration // cap for both computed delays and Retry-After hints
	MaxAttempts int           // total attempts including the first
}

// DefaultRetryPolicy is 100ms doubling, capped at 10s, five attempts in total.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	MaxAttempts: 5,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	return p
}

var errRateLimited = errors.New("rate limited")

func retryable(err error) error { return retry.RetryableError(err) }

// backoff builds the delay sequence. A positive *hint (from Retry-After) replaces the
// computed delay for the next wait, still subject to MaxDelay.
func (p RetryPolicy) backoff(hint *time.Duration) retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := b.Next()
		if stop {
			return 0, true
		}
		if *hint > 0 {
			next = min(*hint, p.MaxDelay)
		}
		metrics.ClientRetriesTotal.WithLabelValues("rate_limited").Inc()
		return next, false
	})
}

func doWithRetry(ctx context.Context, p RetryPolicy, hint *time.Duration, f retry.RetryFunc) error {
	return retry.Do(ctx, p.backoff(hint), f)
}

// retryAfter parses a Retry-After header given as delta-seconds or an HTTP date.
// It returns 0 when the header is absent or unusable.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
