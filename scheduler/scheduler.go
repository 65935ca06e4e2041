// Package scheduler accepts content requests, validates them, writes the
// task row, and hands the job to the queue. It is the single entry point for
// async work; sync requests go through the runner but reuse the same
// validation and task creation here.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dshills/contentflow/adapter"
	"github.com/dshills/contentflow/queue"
	"github.com/dshills/contentflow/store"
)

// ValidationError reports a rejected request field. It never reaches the
// workflow; callers map it to a 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Request is a content-creation submission.
type Request struct {
	Topic           string                 `json:"topic"`
	Requirements    string                 `json:"requirements"`
	TargetAudience  string                 `json:"target_audience,omitempty"`
	Tone            string                 `json:"tone,omitempty"`
	Keywords        []string               `json:"keywords,omitempty"`
	Mode            store.Mode             `json:"mode,omitempty"`
	Priority        store.Priority         `json:"priority,omitempty"`
	ImageSize       string                 `json:"image_size,omitempty"`
	HardConstraints *store.HardConstraints `json:"hard_constraints,omitempty"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
	UserID          string                 `json:"user_id,omitempty"`
	ScheduleAt      *time.Time             `json:"schedule_at,omitempty"`
}

// Scheduler validates requests and turns them into pending tasks plus
// queue jobs.
type Scheduler struct {
	tasks  store.TaskStore
	queue  queue.Queue
	logger *slog.Logger
}

// New creates a scheduler.
func New(tasks store.TaskStore, q queue.Queue, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{tasks: tasks, queue: q, logger: logger}
}

// Validate checks a request without creating anything.
func Validate(req Request) error {
	if strings.TrimSpace(req.Topic) == "" {
		return &ValidationError{Field: "topic", Message: "must not be empty"}
	}
	if strings.TrimSpace(req.Requirements) == "" {
		return &ValidationError{Field: "requirements", Message: "must not be empty"}
	}
	if req.Mode != "" && req.Mode != store.ModeSync && req.Mode != store.ModeAsync {
		return &ValidationError{Field: "mode", Message: `must be "sync" or "async"`}
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: "must be low, normal, high or urgent"}
	}
	if hc := req.HardConstraints; hc != nil {
		if hc.MinWords > 0 && hc.MaxWords > 0 && hc.MinWords > hc.MaxWords {
			return &ValidationError{Field: "hard_constraints", Message: "min_words exceeds max_words"}
		}
	}
	if req.ImageSize != "" {
		// Well-formedness only; the pixel-count adjustment happens at
		// generation time.
		if _, _, err := adapter.ParseImageSize(req.ImageSize); err != nil {
			return &ValidationError{Field: "image_size", Message: `must be "WIDTHxHEIGHT" with positive integers`}
		}
	}
	return nil
}

// ScheduleTask validates the request, creates the task, and enqueues it
// (immediately, or delayed when schedule_at is in the future). A repeated
// idempotency key returns the existing task without enqueueing again.
func (s *Scheduler) ScheduleTask(ctx context.Context, req Request) (*store.Task, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.tasks.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			s.logger.Info("idempotency key reuse, returning existing task",
				"task_id", existing.ID, "key", req.IdempotencyKey)
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	task, err := s.tasks.Create(ctx, store.CreateTaskInput{
		Mode:            req.Mode,
		Topic:           req.Topic,
		Requirements:    req.Requirements,
		TargetAudience:  req.TargetAudience,
		Tone:            req.Tone,
		Keywords:        req.Keywords,
		Priority:        req.Priority,
		ImageSize:       req.ImageSize,
		HardConstraints: req.HardConstraints,
		IdempotencyKey:  req.IdempotencyKey,
		UserID:          req.UserID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			// Raced with another submission carrying the same key.
			existing, lookupErr := s.tasks.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create task: %w", err)
	}

	if task.Mode == store.ModeAsync {
		if err := s.enqueue(ctx, task, req.ScheduleAt); err != nil {
			// The task row stays pending; a pending-task sweep or a
			// resubmission with the same key can recover it.
			s.logger.Error("enqueue failed for created task", "task_id", task.ID, "error", err)
			return nil, err
		}
	}

	s.logger.Info("task scheduled",
		"task_id", task.ID, "mode", task.Mode, "priority", task.Priority, "topic", task.Topic)
	return task, nil
}

func (s *Scheduler) enqueue(ctx context.Context, task *store.Task, scheduleAt *time.Time) error {
	job := queue.JobFromTask(task)
	if scheduleAt != nil {
		if delay := time.Until(*scheduleAt); delay > 0 {
			return s.queue.EnqueueDelayed(ctx, job, delay)
		}
	}
	return s.queue.Enqueue(ctx, job)
}

// ScheduleBatch schedules requests serially. On failure, earlier tasks stay
// created and enqueued; the returned slice holds the tasks scheduled before
// the error.
func (s *Scheduler) ScheduleBatch(ctx context.Context, reqs []Request) ([]*store.Task, error) {
	tasks := make([]*store.Task, 0, len(reqs))
	for i, req := range reqs {
		task, err := s.ScheduleTask(ctx, req)
		if err != nil {
			return tasks, fmt.Errorf("batch item %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CancelTask cancels a task that has not finished. A pending task never
// runs: the queued job is rejected at claim time. A running task stops at
// its next gate check.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		task, err := s.tasks.FindByID(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status == store.StatusCancelled {
			return nil
		}
		if task.Status.IsTerminal() {
			return fmt.Errorf("task %s already %s", taskID, task.Status)
		}
		ok, err := s.tasks.UpdateStatus(ctx, taskID, store.StatusCancelled, task.Version)
		if err != nil {
			return err
		}
		if ok {
			s.logger.Info("task cancelled", "task_id", taskID, "was", task.Status)
			return nil
		}
		// Version moved under us; refetch and retry.
	}
	return fmt.Errorf("task %s: cancel lost version race", taskID)
}
