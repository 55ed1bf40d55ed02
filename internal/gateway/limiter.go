package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// tokenBucket wraps golang.org/x/time/rate with a small emergency
// reserve carved out for cancellation and liquidation calls, per the
// Broker Gateway's rate limiter design: the bucket is sized to
// rate_limit_utilization of the documented per-minute limit, and the
// reserve lets emergency calls through even when the regular budget is
// exhausted.
type tokenBucket struct {
	regular   *rate.Limiter
	emergency *rate.Limiter
}

func newTokenBucket(perMinute int, utilization float64, emergencyReserve int) *tokenBucket {
	usable := float64(perMinute) * utilization
	return &tokenBucket{
		regular:   rate.NewLimiter(rate.Limit(usable/60), int(usable)),
		emergency: rate.NewLimiter(rate.Limit(float64(emergencyReserve)/60), emergencyReserve),
	}
}

// wait blocks until a token is available. Emergency calls take a
// reserve token without waiting when one is free; once the reserve is
// exhausted they wait on the regular bucket like any other call.
func (b *tokenBucket) wait(ctx context.Context, emergency bool) error {
	if emergency {
		if b.emergency.Allow() {
			return nil
		}
	}
	return b.regular.Wait(ctx)
}
