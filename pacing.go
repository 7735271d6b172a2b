package streamtail

import (
	"context"
	"time"

	"github.com/coder/quartz"
)

// Delay returns the pause after one fetch when openShards shards share budget.
func (p PacingPolicy) Delay(budget time.Duration, openShards int) time.Duration {
	if budget <= 0 {
		return 0
	}
	if p == PacingFlat || openShards <= 1 {
		return budget
	}
	// round up so openShards pauses never add up to less than budget
	n := time.Duration(openShards)
	return (budget + n - 1) / n
}

// pause blocks for d on clock or until ctx is done.
func pause(ctx context.Context, clock quartz.Clock, d time.Duration, tags ...string) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d, tags...)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
