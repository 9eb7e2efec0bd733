package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/camuig/spot-ledger/internal/logger"
	"github.com/camuig/spot-ledger/internal/runner"
	"github.com/camuig/spot-ledger/internal/telegram"
)

// Job is one scheduled pass.
type Job interface {
	RunOnce(ctx context.Context, opts runner.Options) (*runner.Outcome, error)
}

type Scheduler struct {
	job      Job
	opts     runner.Options
	interval time.Duration
	notifier *telegram.Notifier
	logger   *logger.Logger
}

func NewScheduler(job Job, opts runner.Options, interval time.Duration, notifier *telegram.Notifier, log *logger.Logger) *Scheduler {
	return &Scheduler{
		job:      job,
		opts:     opts,
		interval: interval,
		notifier: notifier,
		logger:   log,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval.String())

	// Run immediately on start
	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler cycle", "panic", fmt.Sprint(r))
			s.notifier.NotifyError("scheduler panic", fmt.Errorf("%v", r))
		}
	}()

	// a zero Scope is resolved by the runner on each cycle, so "today" follows the clock
	if _, err := s.job.RunOnce(ctx, s.opts); err != nil {
		s.logger.Error("scheduled run failed", "error", err)
	}
}
