package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ashwnn/chad-discord-bot/internal/processor"
	"github.com/ashwnn/chad-discord-bot/internal/queue"
)

// Worker drains the approved-dispatch stream. Jobs are never re-enqueued:
// a failed downstream call is a terminal outcome settled inside the
// dispatch path, so every message is acked exactly once.
type Worker struct {
	proc   *processor.Processor
	queue  *queue.StreamQueue
	logger zerolog.Logger
}

type Config struct {
	Processor *processor.Processor
	Queue     *queue.StreamQueue
	Logger    zerolog.Logger
}

func New(cfg Config) *Worker {
	return &Worker{
		proc:   cfg.Processor,
		queue:  cfg.Queue,
		logger: cfg.Logger,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			if err := w.proc.DispatchApproved(ctx, msg.Job); err != nil {
				// Terminal either way; the dedupe claim stops a second
				// delivery from double-dispatching.
				log.Error().Err(err).Str("item_id", msg.Job.ItemID).Msg("dispatch job failed")
			}
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
			}
		}
	}
}
