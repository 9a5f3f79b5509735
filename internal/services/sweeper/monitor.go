package sweeper

import (
	"context"
	"log/slog"
)

// MonitorQueue records the queue depth and warns when the oldest entry waited too long.
func (s *Sweeper) MonitorQueue(ctx context.Context) error {
	n, err := s.q.Len(ctx)
	if err != nil {
		s.setLastError(err)
		return err
	}
	s.queueDepth.Store(n)

	oldest, err := s.q.OldestEnqueuedAt(ctx)
	if err != nil {
		s.setLastError(err)
		return err
	}
	if oldest == nil {
		s.oldestAgeSeconds.Store(0)
		return nil
	}

	age := s.now().Sub(*oldest)
	s.oldestAgeSeconds.Store(int64(age.Seconds()))
	if age > s.staleQueueAfter {
		slog.Warn("change queue is stale", "depth", n, "oldest_age", age.String())
	}
	return nil
}
