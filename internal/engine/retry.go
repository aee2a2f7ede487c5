package engine

import (
	"context"
	"math"
	"time"

	"github.com/rendis/riskflow/pkg/schema"
)

const maxBackoff = time.Duration(math.MaxInt64)

// ComputeBackoff returns the wait before retry number attempt (0-based).
// The delay grows by h.Backoff: constant (default), linear or exponential.
// A max_delay caps it. An unparsable delay means no wait; an unparsable cap
// is ignored.
func ComputeBackoff(h *schema.ErrorHandling, attempt int) time.Duration {
	if h == nil || h.Delay == "" {
		return 0
	}
	base, err := schema.ParseDuration(h.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	attempt = max(attempt, 0)
	delay := base
	switch h.Backoff {
	case "linear":
		delay = scale(base, int64(attempt)+1)
	case "exponential":
		if attempt >= 62 {
			delay = maxBackoff
		} else {
			delay = scale(base, int64(1)<<attempt)
		}
	}

	if h.MaxDelay == "" {
		return delay
	}
	if limit, err := schema.ParseDuration(h.MaxDelay); err == nil && limit > 0 {
		return min(delay, limit)
	}
	return delay
}

// scale multiplies d by n, saturating instead of overflowing.
func scale(d time.Duration, n int64) time.Duration {
	if n <= 0 {
		return d
	}
	if d > maxBackoff/time.Duration(n) {
		return maxBackoff
	}
	return d * time.Duration(n)
}

// WaitForBackoff blocks for delay or until ctx is done, returning the
// context error in the latter case. A cancelled context wins even for a
// zero delay.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
