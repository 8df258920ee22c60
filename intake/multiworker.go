package intake

import (
	"context"

	"github.com/808putnam/qtrade-relayer/metrics"
	"golang.org/x/time/rate"
)

// MultipleWorkers creates n workers sharing one submission rate limit.
// The limiter wait never runs past the item deadline, an item that can't get a slot in time is dropped.
// ProcessFunc must be thread safe.
func MultipleWorkers(processFunc ProcessFunc, n int, limit rate.Limit, burst int) []ProcessFunc {
	rateLimiter := rate.NewLimiter(limit, burst)

	process := make([]ProcessFunc, n)
	for i := 0; i < n; i++ {
		process[i] = func(ctx context.Context, data []byte, info ItemInfo) error {
			waitCtx := ctx
			if !info.Deadline.IsZero() {
				var cancel context.CancelFunc
				waitCtx, cancel = context.WithDeadline(ctx, info.Deadline)
				defer cancel()
			}
			if err := rateLimiter.Wait(waitCtx); err != nil {
				if ctx.Err() == nil {
					metrics.IncIntakeStaleItems()
					return nil
				}
				return err
			}
			return processFunc(ctx, data, info)
		}
	}
	return process
}
