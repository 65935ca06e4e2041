// Package worker runs the async side of the system: a pool of consumers
// that pull jobs from the queue, claim the task row, and drive the workflow
// through the shared executor. The pool caps both concurrency (slots) and
// job-start rate (token bucket), and drains in-flight work on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dshills/contentflow/content"
	"github.com/dshills/contentflow/flow"
	"github.com/dshills/contentflow/queue"
	"github.com/dshills/contentflow/runner"
	"github.com/dshills/contentflow/store"
)

// Config tunes the pool. Zero values take defaults.
type Config struct {
	// Concurrency is the number of simultaneous task slots. Default 4.
	Concurrency int

	// StartRate caps job starts per second across all slots. Default 10.
	StartRate float64

	// DrainTimeout bounds how long shutdown waits for in-flight tasks
	// before cancelling them (which releases their claims). Default 60s.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.StartRate <= 0 {
		c.StartRate = 10
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 60 * time.Second
	}
	return c
}

// Pool consumes queue jobs under one worker identity.
type Pool struct {
	workerID string
	queue    queue.Queue
	exec     *runner.Executor
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewPool creates a pool with a fresh worker identity.
func NewPool(q queue.Queue, st store.Store, deps *content.Deps, cfg Config, opts runner.Options) *Pool {
	cfg = cfg.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := "worker-" + uuid.NewString()
	logger = logger.With("worker_id", workerID)
	opts.Logger = logger

	return &Pool{
		workerID: workerID,
		queue:    q,
		exec:     runner.NewExecutor(st, deps, workerID, opts),
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.StartRate), cfg.Concurrency),
		logger:   logger,
	}
}

// WorkerID returns the pool's claim identity.
func (p *Pool) WorkerID() string { return p.workerID }

// Run consumes jobs until ctx is cancelled, then drains: consumption stops
// immediately, in-flight tasks get DrainTimeout to finish, and anything
// still running is cancelled (its claim is released for another worker).
func (p *Pool) Run(ctx context.Context) error {
	// Jobs outlive the consume context so a shutdown finishes current work.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	go func() {
		<-ctx.Done()
		timer := time.NewTimer(p.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.logger.Warn("drain timeout, cancelling in-flight tasks")
			cancelJobs()
		case <-jobCtx.Done():
		}
	}()

	p.logger.Info("worker pool starting",
		"concurrency", p.cfg.Concurrency, "start_rate", p.cfg.StartRate)

	var wg sync.WaitGroup
	errCh := make(chan error, p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.queue.Consume(ctx, func(_ context.Context, job queue.Job) error {
				return p.handle(jobCtx, job)
			})
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	cancelJobs()
	close(errCh)

	p.logger.Info("worker pool stopped")
	for err := range errCh {
		return fmt.Errorf("consume: %w", err)
	}
	return nil
}

// handle processes one delivery. Returning nil acks the job; returning an
// error hands it back to the queue for redelivery with backoff.
func (p *Pool) handle(ctx context.Context, job queue.Job) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	log := p.logger.With("task_id", job.TaskID)
	log.Info("job starting", "topic", job.Topic, "priority", job.Priority, "attempt", job.Attempts)

	res, err := p.exec.Execute(ctx, job.TaskID, func(pr runner.Progress) {
		log.Info("progress", "message", pr.Message, "percentage", pr.Percentage)
	})

	switch {
	case err == nil:
		log.Info("job completed", "duration", res.Duration)
		return nil

	case errors.Is(err, runner.ErrClaimLost):
		// Another worker owns it, or it finished already. Ack silently.
		log.Debug("claim lost, acking")
		return nil

	case errors.Is(err, store.ErrNotFound):
		log.Warn("task row missing, dropping job")
		return nil

	case errors.Is(err, flow.ErrCancelled), errors.Is(err, flow.ErrSuperseded):
		log.Info("run stopped externally", "reason", err)
		return nil

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown mid-run; the executor released the claim. Requeue so
		// another worker resumes from the checkpoint.
		return err

	default:
		// The task row is already marked failed. Surfacing the error lets
		// the queue apply its redelivery policy; a redelivered job finds
		// the terminal row, fails its claim, and acks.
		log.Warn("job failed", "error", err)
		return err
	}
}
