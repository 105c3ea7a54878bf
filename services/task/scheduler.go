package task

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	service *Service
	hour    int
	minute  int
}

func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{service: svc, hour: 1}
}

// StartScheduler runs the daily loop for the lifetime of the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started payment event prune scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, s.hour, s.minute)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		timer := time.NewTimer(sleepDuration)
		select {
		case <-timer.C:
			s.runDaily(ctx)
		case <-ctx.Done():
			timer.Stop()
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	start := time.Now()
	zap.L().Info("[Scheduler] running daily prune")

	if err := s.service.EnqueuePrune(ctx); err != nil {
		zap.L().Error("[Scheduler] failed to schedule prune", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] finished daily prune", zap.Duration("duration", time.Since(start)))
}

// nextRunTime returns the next occurrence of hour:minute after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
