package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunRetention deletes results older than maxAge now and then every
// interval until ctx is done. Failures are logged and retried on the next
// tick.
func (s *Store) RunRetention(ctx context.Context, maxAge, interval time.Duration, logger *zap.SugaredLogger) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 || interval > maxAge {
		interval = maxAge
	}

	logger.Infow("Result retention started", "max_age", maxAge, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		deleted, err := s.DeleteOldResults(ctx, time.Now().Add(-maxAge))
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Warnw("Deleting old results failed", "error", err)
		case deleted > 0:
			logger.Infow("Deleted old results", "count", deleted)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
