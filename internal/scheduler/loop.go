package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Loop runs Tick on a fixed interval via gocron. One-shot callers use
// Scheduler.Tick directly.
type Loop struct {
	cron  gocron.Scheduler
	sched *Scheduler
}

// NewLoop builds the periodic runner.
func NewLoop(sched *Scheduler, interval time.Duration) (*Loop, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	l := &Loop{cron: cron, sched: sched}

	_, err = cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			res, err := sched.Tick(ctx)
			if err != nil {
				sched.logger.Error("tick failed", zap.Error(err))
				return
			}
			if res.Dispatched {
				sched.logger.Info("tick dispatched",
					zap.String("task_id", res.TaskID),
					zap.String("attempt_id", res.AttemptID))
			} else {
				sched.logger.Debug("tick idle", zap.String("reason", res.Reason))
			}
		}),
		// One tick at a time; a slow dispatch must not overlap the next.
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: register tick job: %w", err)
	}
	return l, nil
}

// Start begins ticking.
func (l *Loop) Start() {
	l.cron.Start()
	l.sched.logger.Info("scheduler loop started")
}

// Stop shuts the loop down, waiting for a running tick to finish.
func (l *Loop) Stop() error {
	if err := l.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	l.sched.logger.Info("scheduler loop stopped")
	return nil
}
