// Package changefeed turns upstream row-change notifications into opaque
// "something changed" callbacks. Payloads are not inspected.
package changefeed

import (
	"context"
	"time"

	"github.com/coder/quartz"
)

// Feed delivers change notifications until ctx is done. Transient transport
// failures are retried internally; Run returns nil on cancellation.
type Feed interface {
	Run(ctx context.Context, onChange func()) error
}

const (
	DefaultRetryBase = 400 * time.Millisecond
	maxRetryDelay    = 10 * time.Second
)

func backoffDuration(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if failures <= 0 {
		return base
	}

	// Exponential-ish backoff: base * 2^failures, capped.
	if failures > 6 {
		failures = 6
	}
	d := base * time.Duration(1<<failures)
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// sleep waits d on clock and reports false if ctx ended first.
func sleep(ctx context.Context, clock quartz.Clock, d time.Duration, tag string) bool {
	t := clock.NewTimer(d, "changefeed", tag)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
