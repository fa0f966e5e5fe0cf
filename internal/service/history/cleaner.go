package history

import (
	"context"
	"fmt"
	"time"
)

const DefaultCleanInterval = time.Hour

// StartExpiryCleaner removes expired messages every interval until ctx ends.
func (s *Service) StartExpiryCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error("purge expired messages", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("purged expired messages", "count", n)
			}
		}
	}
}

// PurgeExpired deletes messages past their expiry and reports how many went.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired messages: %w", err)
	}
	return res.RowsAffected()
}
