// Package queue provides the job queue between the scheduler and the worker
// pool: priority FIFO with delayed and batch enqueue, at-least-once delivery,
// and server-side redelivery backoff on handler failure.
//
// Two backends: an in-process queue for sync-only and test deployments, and
// NATS JetStream for shared deployments. Delivery may duplicate after a
// worker crash; the task store's claim protocol is the sole double-execution
// guard, so handlers must tolerate redelivery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/contentflow/store"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Job is the queue payload. It carries enough of the request for a worker
// to claim and run the task without a prior store read.
type Job struct {
	TaskID          string                 `json:"task_id"`
	Mode            store.Mode             `json:"mode"`
	Topic           string                 `json:"topic"`
	Requirements    string                 `json:"requirements"`
	ImageSize       string                 `json:"image_size,omitempty"`
	HardConstraints *store.HardConstraints `json:"hard_constraints,omitempty"`

	// Priority is the numeric queue weight; lower dequeues first.
	Priority int `json:"priority"`

	// NotBefore delays delivery until the given time. Zero means immediate.
	NotBefore time.Time `json:"not_before,omitempty"`

	// Attempts counts deliveries, for redelivery backoff.
	Attempts int `json:"attempts"`
}

// JobFromTask builds the queue payload for a task. Sync tasks always get
// the top weight regardless of their stored priority.
func JobFromTask(task *store.Task) Job {
	priority := task.Priority.Weight()
	if task.Mode == store.ModeSync {
		priority = store.PriorityUrgent.Weight()
	}
	return Job{
		TaskID:          task.ID,
		Mode:            task.Mode,
		Topic:           task.Topic,
		Requirements:    task.Requirements,
		ImageSize:       task.ImageSize,
		HardConstraints: task.HardConstraints,
		Priority:        priority,
	}
}

// Handler processes one delivered job. A non-nil error requeues the job
// with backoff; queue-level redelivery never touches the workflow's rewrite
// budget.
type Handler func(ctx context.Context, job Job) error

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Ready    int  `json:"ready"`
	Delayed  int  `json:"delayed"`
	InFlight int  `json:"in_flight"`
	Paused   bool `json:"paused"`
}

// Depth is the total number of jobs not yet finished.
func (s Stats) Depth() int { return s.Ready + s.Delayed + s.InFlight }

// Queue is the job transport contract.
type Queue interface {
	// Enqueue makes the job deliverable immediately (or at job.NotBefore).
	Enqueue(ctx context.Context, job Job) error

	// EnqueueDelayed makes the job deliverable after delay.
	EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) error

	// EnqueueBatch enqueues all jobs; on error some may already be queued.
	EnqueueBatch(ctx context.Context, jobs []Job) error

	// Consume delivers jobs to handler until ctx is cancelled. Safe to call
	// from several goroutines; each delivery goes to exactly one consumer.
	Consume(ctx context.Context, handler Handler) error

	// Stats reports queue depth.
	Stats(ctx context.Context) (Stats, error)

	// Pause stops deliveries without dropping jobs; Resume restarts them.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Drain blocks until the queue is empty and in-flight jobs finish, or
	// ctx expires.
	Drain(ctx context.Context) error

	Close() error
}

// redeliveryBackoff computes the delay before a failed job is redelivered:
// 2s, 4s, 8s... capped at two minutes.
func redeliveryBackoff(attempts int) time.Duration {
	const base = 2 * time.Second
	const max = 2 * time.Minute
	d := base << attempts
	if d > max || d <= 0 {
		return max
	}
	return d
}
