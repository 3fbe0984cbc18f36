package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler periodically releases notifications deferred by quiet
// hours and purges expired ones. One instance runs per dispatcher
// process.
type Scheduler struct {
	service       *Service
	interval      time.Duration
	purgeInterval time.Duration
	logger        *zap.Logger
}

func NewScheduler(service *Service, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		service:       service,
		interval:      interval,
		purgeInterval: time.Hour,
		logger:        logger,
	}
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	purge := time.NewTicker(s.purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			released, err := s.service.DeliverDue(ctx)
			if err != nil {
				s.logger.Error("failed to release deferred notifications", zap.Error(err))
				continue
			}
			if released > 0 {
				s.logger.Info("released deferred notifications", zap.Int("count", released))
			}
		case <-purge.C:
			if _, err := s.service.PurgeExpired(ctx); err != nil {
				s.logger.Error("failed to purge expired notifications", zap.Error(err))
			}
		}
	}
}
