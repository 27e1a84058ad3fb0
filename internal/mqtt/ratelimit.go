package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// rateLimiter caps outbound event publishes per interval. Bursts of
// tool calls beyond the limit are dropped rather than queued. It uses
// atomic counters for lock-free operation on the hot path.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter at each interval boundary and logs how
// many events were dropped. It blocks until ctx is cancelled.
func (r *rateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
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

func (r *rateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt events dropped due to rate limit",
			"published", count-dropped,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow reports whether another publish fits in the current interval.
func (r *rateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
