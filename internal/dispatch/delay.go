package dispatch

import (
	"context"
	"math/rand/v2"
	"time"

	"antrian-wa/internal/domain"
)

// nextDelay picks the pause before the next send, uniform in
// [MinSeconds, MaxSeconds] at millisecond resolution.
func nextDelay(s domain.RateLimitSettings, int64n func(int64) int64) time.Duration {
	if !s.Enabled || s.MaxSeconds <= 0 {
		return 0
	}
	lo := int64(s.MinSeconds) * 1000
	hi := int64(s.MaxSeconds) * 1000
	if hi < lo {
		hi = lo
	}
	ms := lo
	if hi > lo {
		ms += int64n(hi - lo + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

func defaultInt64N(n int64) int64 { return rand.Int64N(n) }

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
