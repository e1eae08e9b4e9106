package adam

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// sleepCtx waits d on the injected clock or until the context is cancelled,
// returning the context error in that case. Used for retry and backoff delays
// so tests drive them with a mock clock.
func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
