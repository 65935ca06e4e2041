package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/dshills/contentflow/queue"
	"github.com/dshills/contentflow/store"
)

// Sweeper periodically re-enqueues pending tasks. It recovers tasks whose
// queue job was lost (a crash between create and enqueue, or an in-process
// queue that died with its server). Duplicate jobs are harmless: claim
// arbitration lets only one delivery run.
type Sweeper struct {
	tasks    store.TaskStore
	queue    queue.Queue
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. Zero interval defaults to 30s.
func NewSweeper(tasks store.TaskStore, q queue.Queue, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{tasks: tasks, queue: q, interval: interval, batch: 100, logger: logger}
}

// Run sweeps until ctx is cancelled. The first sweep happens immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	tasks, err := s.tasks.GetPendingTasks(ctx, s.batch)
	if err != nil {
		s.logger.Warn("pending sweep read failed", "error", err)
		return
	}
	for _, task := range tasks {
		if task.Mode == store.ModeSync {
			continue
		}
		if err := s.queue.Enqueue(ctx, queue.JobFromTask(task)); err != nil {
			s.logger.Warn("pending sweep enqueue failed", "task_id", task.ID, "error", err)
			return
		}
	}
	if len(tasks) > 0 {
		s.logger.Debug("pending sweep enqueued", "count", len(tasks))
	}
}
