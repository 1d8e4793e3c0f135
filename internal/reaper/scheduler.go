package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultInterval = 30 * time.Second

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	log      *zap.Logger
}

func NewScheduler(s Sweeper, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{sweeper: s, interval: interval, log: log}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("reaper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("reaper sweep panicked", zap.Any("panic", p))
		}
	}()
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.log.Error("reaper sweep", zap.Int("canceled", n), zap.Error(err))
	}
}
