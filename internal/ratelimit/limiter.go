// Package ratelimit provides the process-wide gate in front of the archive.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPerMinute is the request budget the archive tolerates.
const DefaultPerMinute = 15

// Limiter spaces requests evenly. With a burst of one, no rolling minute
// ever holds more than perMinute requests.
type Limiter struct {
	lim       *rate.Limiter
	perMinute int
}

// New creates a limiter allowing perMinute requests per minute.
// Values below one fall back to DefaultPerMinute.
func New(perMinute int) *Limiter {
	if perMinute < 1 {
		perMinute = DefaultPerMinute
	}
	return &Limiter{
		lim:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		perMinute: perMinute,
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

// reserve books the next slot as of now and returns how long the caller has
// to wait for it.
func (l *Limiter) reserve(now time.Time) time.Duration {
	return l.lim.ReserveN(now, 1).DelayFrom(now)
}

// PerMinute returns the configured budget.
func (l *Limiter) PerMinute() int {
	return l.perMinute
}

// Budget returns how many requests fit into d, counting the one that
// goes out immediately.
func (l *Limiter) Budget(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d/(time.Minute/time.Duration(l.perMinute))) + 1
}
