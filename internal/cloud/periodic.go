package cloud

import (
	"context"
	"time"
)

// runPeriodic runs task immediately and then every interval until ctx is
// cancelled
func runPeriodic(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	task(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}
