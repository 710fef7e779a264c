package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Drainable is anything that can report how many sessions it still holds.
type Drainable interface {
	ActiveCount() int
}

// DrainAll waits for active sessions to finish naturally, polling until the
// deadline elapses or ctx is done. It returns the number of sessions still
// running; the caller decides whether to force-terminate or mark the
// stragglers for resume.
func (r *Registry) DrainAll(ctx context.Context, deadline, pollInterval time.Duration) int {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	remaining := r.ActiveCount()
	if remaining == 0 {
		return 0
	}
	r.logger.Info("Draining active sessions",
		zap.Int("active", remaining),
		zap.Duration("deadline", deadline),
	)

	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.ActiveCount()
		case <-timeout.C:
			remaining = r.ActiveCount()
			if remaining > 0 {
				r.logger.Warn("Drain deadline reached with sessions still active",
					zap.Int("remaining", remaining),
				)
			}
			return remaining
		case <-ticker.C:
			remaining = r.ActiveCount()
			if remaining == 0 {
				r.logger.Info("All sessions drained")
				return 0
			}
			r.logger.Info("Waiting for sessions to finish", zap.Int("remaining", remaining))
		}
	}
}
