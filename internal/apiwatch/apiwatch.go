// Package apiwatch periodically samples the CI provider's rate-limit
// counters so the scale-up and scale-down loops can consult
// backpressure opportunistically, per spec §4.6.
//
// Grounded on the teacher's periodic-poll loop shape (a ticker plus a
// context-done select), here retargeted from AWS/Docker resource
// polling to a single lightweight CI API call.
package apiwatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/runnerscale/controller/internal/ciapi"
	"github.com/runnerscale/controller/internal/metrics"
)

// Loop samples ciapi.CI.RateLimit on a fixed interval and republishes
// it as gauges.
type Loop struct {
	CI       ciapi.CI
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Run blocks, sampling every Interval, until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick samples the rate limit once, logging and updating gauges on
// success, logging (but not failing anything) on error — a stale
// gauge reading is better than blocking the sampler on a transient CI
// API hiccup.
func (l *Loop) Tick(ctx context.Context) {
	rl, err := l.CI.RateLimit(ctx)
	if err != nil {
		l.Logger.Warn("sampling CI rate limit failed", "error", err)
		return
	}

	l.Metrics.CIRateLimitRemaining.Set(float64(rl.Remaining))
	resetIn := rl.ResetAt.Sub(l.now())
	if resetIn < 0 {
		resetIn = 0
	}
	l.Metrics.CIRateLimitResetIn.Set(resetIn.Seconds())

	l.Logger.Debug("sampled CI rate limit", "remaining", rl.Remaining, "limit", rl.Limit, "reset_in", resetIn)
}
