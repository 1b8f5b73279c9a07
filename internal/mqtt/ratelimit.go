package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// messageRateLimiter admits at most limit inbound messages per window
// and counts the rest as dropped. The hot path is lock-free.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		clock:    clock.New(),
		logger:   logger,
	}
}

// start resets the window every interval until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

// reset opens a new window and reports drops from the previous one.
func (r *messageRateLimiter) reset() (received, dropped int64) {
	received = r.count.Swap(0)
	dropped = r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", received,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
	return received, dropped
}

// allow counts a message and reports whether it fits in the window.
func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
