package taskgraph

import (
	"context"
	"time"
)

// Clock is the time source the Executor's dynamic worker-pool supervisor
// consumes. Injecting a fake Clock makes the supervisor's sampling cadence
// deterministic in tests without real sleeps.
type Clock interface {
	Now() time.Time
	// Sleep blocks until d has elapsed or ctx is done, returning ctx.Err()
	// in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the default Clock, backed by the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
