package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper expires stale pending items on a schedule, so items age out even
// when no admin ever looks at the queue.
type Sweeper struct {
	queue     *Queue
	cron      *cron.Cron
	retention time.Duration
	schedule  string
	logger    zerolog.Logger
}

func NewSweeper(queue *Queue, retention time.Duration, schedule string, logger zerolog.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Sweeper{
		queue:     queue,
		cron:      cron.New(),
		retention: retention,
		schedule:  schedule,
		logger:    logger,
	}
}

func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		n, err := s.queue.Sweep(ctx, time.Now().UTC(), s.retention)
		if err != nil {
			s.logger.Error().Err(err).Msg("approval sweep failed")
			return
		}
		if n > 0 {
			s.logger.Info().Int("expired", n).Msg("approval sweep expired stale items")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule approval sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
