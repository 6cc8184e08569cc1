package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"spikewatch/internal/exchange"
)

// attemptLimiter bounds connection attempts to at most n per window,
// shared by every connection of a pool. When the window is full, Wait
// blocks until the oldest attempt ages out, plus a second of slack.
type attemptLimiter struct {
	mu       sync.Mutex
	n        int
	window   time.Duration
	attempts []time.Time
}

func newAttemptLimiter(n int, window time.Duration) *attemptLimiter {
	if n <= 0 || window <= 0 {
		return nil
	}
	return &attemptLimiter{n: n, window: window}
}

// Wait blocks until an attempt slot is free, then records the attempt.
func (l *attemptLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	for {
		l.mu.Lock()
		now := time.Now()
		live := l.attempts[:0]
		for _, t := range l.attempts {
			if now.Sub(t) < l.window {
				live = append(live, t)
			}
		}
		l.attempts = live
		if len(l.attempts) < l.n {
			l.attempts = append(l.attempts, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.attempts[0]) + time.Second
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// messageBudget builds a token-bucket limiter for exchanges that cap
// outbound frames (Hyperliquid: 2000/min). Ping frames bypass it in the
// write path. Returns nil when the driver declares no budget.
func messageBudget(lim exchange.Limits) *rate.Limiter {
	if lim.Messages <= 0 || lim.MessageWindow <= 0 {
		return nil
	}
	perSec := float64(lim.Messages) / lim.MessageWindow.Seconds()
	return rate.NewLimiter(rate.Limit(perSec), lim.Messages)
}
