package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pulsefeed/notification-engine/internal/dedup"
	"github.com/pulsefeed/notification-engine/internal/domain"
	"github.com/pulsefeed/notification-engine/internal/processor"
	"github.com/pulsefeed/notification-engine/internal/ratelimit"
)

// SchedulerConfig tunes the background release and cleanup loops.
type SchedulerConfig struct {
	ReleaseInterval time.Duration
	SweepInterval   time.Duration
	ReleaseBatch    int
}

// Scheduler re-admits due work (future-dated items, quiet-hours deferrals
// and backoff retries) and runs the periodic in-memory sweeps.
type Scheduler struct {
	cfg     SchedulerConfig
	repo    domain.NotificationRepository
	proc    *processor.Processor
	limiter *ratelimit.Limiter
	dedupe  *dedup.Set
	logger  *slog.Logger
	now     func() time.Time
}

func NewScheduler(
	cfg SchedulerConfig,
	repo domain.NotificationRepository,
	proc *processor.Processor,
	limiter *ratelimit.Limiter,
	dedupe *dedup.Set,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		repo:    repo,
		proc:    proc,
		limiter: limiter,
		dedupe:  dedupe,
		logger:  logger,
		now:     time.Now,
	}
}

// Run drives both loops until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	release := time.NewTicker(s.cfg.ReleaseInterval)
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer release.Stop()
	defer sweep.Stop()

	s.logger.Info("scheduler started",
		"release_interval", s.cfg.ReleaseInterval,
		"sweep_interval", s.cfg.SweepInterval,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-release.C:
			s.release(ctx)
		case <-sweep.C:
			s.limiter.Sweep()
			s.dedupe.Sweep()
		}
	}
}

// release re-enqueues everything whose scheduled_at has come due. A full
// queue ends the round; the remainder waits for the next tick.
func (s *Scheduler) release(ctx context.Context) {
	now := s.now()

	due, err := s.repo.ListScheduledDue(ctx, now, s.cfg.ReleaseBatch)
	if err != nil {
		s.logger.Error("scheduled-release query failed", "error", err)
		return
	}
	retries, err := s.repo.ListPendingRetries(ctx, now, s.cfg.ReleaseBatch)
	if err != nil {
		s.logger.Error("retry-release query failed", "error", err)
		return
	}

	released := 0
	for _, n := range append(due, retries...) {
		result, err := s.proc.Enqueue(ctx, n)
		if result == processor.ResultQueueFull {
			if !errors.Is(err, domain.ErrShutdown) {
				s.logger.Warn("release paused, queue full", "released", released)
			}
			return
		}
		if err != nil {
			s.logger.Error("release enqueue failed", "notification_id", n.ID, "error", err)
			continue
		}
		released++
	}

	if released > 0 {
		s.logger.Debug("scheduled items released", "count", released)
	}
}
