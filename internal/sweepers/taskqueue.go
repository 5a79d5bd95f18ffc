// Package sweepers runs periodic background maintenance over the
// ingestion queue, independent of the worker's own in-line retry and
// archive handling.
package sweepers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosarica/game-ingest/internal/queue"
)

// TaskQueueSweeper periodically archives retry-exhausted queue messages
// that a worker crashed before it could archive itself.
type TaskQueueSweeper struct {
	q          *queue.Queue
	logger     zerolog.Logger
	interval   time.Duration
	maxRetries int
	stopChan   chan struct{}
}

// NewTaskQueueSweeper binds a sweeper to a queue, sweeping on the given
// interval for messages with read_ct > maxRetries.
func NewTaskQueueSweeper(q *queue.Queue, logger zerolog.Logger, interval time.Duration, maxRetries int) *TaskQueueSweeper {
	return &TaskQueueSweeper{
		q:          q,
		logger:     logger.With().Str("component", "sweeper").Logger(),
		interval:   interval,
		maxRetries: maxRetries,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the periodic recovery sweep; it blocks until ctx is
// cancelled or Stop is called.
func (s *TaskQueueSweeper) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("starting task queue sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("task queue sweeper stopping (context cancelled)")
			return
		case <-s.stopChan:
			s.logger.Info().Msg("task queue sweeper stopping (stop signal)")
			return
		case <-ticker.C:
			if err := s.RecoverOrphanedTasks(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to recover orphaned tasks")
			}
		}
	}
}

// Stop signals the sweeper to stop.
func (s *TaskQueueSweeper) Stop() {
	close(s.stopChan)
}

// RecoverOrphanedTasks archives any message stuck past its retry budget.
func (s *TaskQueueSweeper) RecoverOrphanedTasks(ctx context.Context) error {
	ids, err := s.q.StuckMessages(ctx, s.maxRetries)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	var recovered int
	for _, id := range ids {
		if err := s.q.Archive(ctx, id); err != nil {
			s.logger.Error().Err(err).Int64("msg_id", id).Msg("failed to archive stuck message")
			continue
		}
		recovered++
	}
	s.logger.Info().Int("recovered", recovered).Msg("swept stuck queue messages")
	return nil
}
