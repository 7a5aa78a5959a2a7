package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SLASweeper periodically flips pending tasks past their due date to overdue.
// Task reads perform the same check, so the sweeper only bounds how long an
// overdue task can go unnoticed between reads.
type SLASweeper struct {
	tasks    TaskStore
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewSLASweeper creates a sweeper with the given interval.
func NewSLASweeper(tasks TaskStore, interval time.Duration, log zerolog.Logger) *SLASweeper {
	return &SLASweeper{
		tasks:    tasks,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *SLASweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tasks.MarkOverdue(ctx, s.now()); err != nil {
				s.log.Warn().Err(err).Msg("overdue sweep failed")
			}
		}
	}
}
