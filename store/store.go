// Package store provides persistence for tasks, results, and quality checks.
//
// The task store is the sole concurrent-mutation surface of the system.
// Every mutating operation takes the caller's expected version and succeeds
// only if the stored version matches, in which case the new fields are
// written and the version is bumped by one. On mismatch the operation
// returns false with a nil error so callers can refetch and retry or abort.
//
// Three backends are first class: an in-memory map guarded by a mutex
// (testing), SQLite (single-node deployments), and MySQL (shared
// deployments). No behavior may depend on backend-specific semantics
// beyond the contract in this file.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned by Create when the supplied
	// idempotency key collides with a non-deleted task.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a sink state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the transition s -> to is legal.
// Terminals are sinks; pending can only start running or be cancelled;
// waiting may resume, finish, or be cancelled.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusWaiting || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusWaiting:
		return to == StatusRunning || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Priority orders task scheduling. Lower numeric weight dequeues first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight maps a priority to its numeric queue weight. Sync submissions
// override to the urgent weight at enqueue time.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 5
	default:
		return 7
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Mode selects synchronous or queue-backed execution.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// RetryKind names which rewrite-loop counter to bump.
type RetryKind string

const (
	RetryText  RetryKind = "text"
	RetryImage RetryKind = "image"
)

// HardConstraints are the deterministic rules enforced on generated text.
type HardConstraints struct {
	MinWords           int      `json:"min_words,omitempty"`
	MaxWords           int      `json:"max_words,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	RequireAllKeywords bool     `json:"require_all_keywords,omitempty"`
	ForbiddenWords     []string `json:"forbidden_words,omitempty"`
	RequireTitle       bool     `json:"require_title,omitempty"`
	RequireIntro       bool     `json:"require_intro,omitempty"`
	RequireConclusion  bool     `json:"require_conclusion,omitempty"`
	MinSections        int      `json:"min_sections,omitempty"`
	HasBulletPoints    bool     `json:"has_bullet_points,omitempty"`
	HasNumberedList    bool     `json:"has_numbered_list,omitempty"`
}

// Task is the unit of work carrying a user request and its lifecycle.
type Task struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Request fields.
	Mode            Mode             `json:"mode"`
	Topic           string           `json:"topic"`
	Requirements    string           `json:"requirements"`
	TargetAudience  string           `json:"target_audience,omitempty"`
	Keywords        []string         `json:"keywords,omitempty"`
	Tone            string           `json:"tone,omitempty"`
	HardConstraints *HardConstraints `json:"hard_constraints,omitempty"`
	Priority        Priority         `json:"priority"`
	ImageSize       string           `json:"image_size,omitempty"`
	UserID          string           `json:"user_id,omitempty"`

	// Lifecycle fields, owned exclusively by the task store.
	Status          Status `json:"status"`
	CurrentStep     string `json:"current_step,omitempty"`
	WorkerID        string `json:"worker_id,omitempty"`
	TextRetryCount  int    `json:"text_retry_count"`
	ImageRetryCount int    `json:"image_retry_count"`
	StateSnapshot   []byte `json:"state_snapshot,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`

	// Version is the optimistic-lock counter; every mutation increments it.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// CreateTaskInput carries the request fields for a new task.
type CreateTaskInput struct {
	ID              string
	IdempotencyKey  string
	Mode            Mode
	Topic           string
	Requirements    string
	TargetAudience  string
	Keywords        []string
	Tone            string
	HardConstraints *HardConstraints
	Priority        Priority
	ImageSize       string
	UserID          string
}

// normalize fills the mode and priority defaults so every stored task
// carries explicit values.
func (in *CreateTaskInput) normalize() {
	if in.Mode == "" {
		in.Mode = ModeAsync
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
}

// TaskFilter selects tasks for FindMany and Count.
type TaskFilter struct {
	Status Status
	Mode   Mode
	UserID string
	Limit  int
	Offset int
}

// ResultType classifies per-task output records.
type ResultType string

const (
	ResultArticle      ResultType = "article"
	ResultImage        ResultType = "image"
	ResultFinalArticle ResultType = "finalArticle"
	ResultText         ResultType = "text"
)

// Result is an append-only per-task output record. Image results carry a
// remote URL in Content and, when download succeeded, a local path in
// FilePath.
type Result struct {
	ID         string                 `json:"id"`
	TaskID     string                 `json:"task_id"`
	Type       ResultType             `json:"type"`
	Content    string                 `json:"content,omitempty"`
	FilePath   string                 `json:"file_path,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// CheckKind distinguishes text and image quality checks.
type CheckKind string

const (
	CheckText  CheckKind = "text"
	CheckImage CheckKind = "image"
)

// QualityCheck records a gate verdict for a task. Never mutated after write.
type QualityCheck struct {
	ID                    string                 `json:"id"`
	TaskID                string                 `json:"task_id"`
	Kind                  CheckKind              `json:"kind"`
	Score                 float64                `json:"score"`
	Passed                bool                   `json:"passed"`
	HardConstraintsPassed bool                   `json:"hard_constraints_passed"`
	Details               map[string]interface{} `json:"details,omitempty"`
	FixSuggestions        []string               `json:"fix_suggestions,omitempty"`
	RubricVersion         string                 `json:"rubric_version,omitempty"`
	ModelName             string                 `json:"model_name,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
}

// TaskStore is the task lifecycle store with the optimistic-lock protocol.
//
// Every method returning (bool, error) follows the same contract: false with
// a nil error means the expected version did not match the stored version or
// the requested status transition is illegal; the caller refetches and
// decides. A non-nil error means the backend itself failed.
type TaskStore interface {
	// Create inserts a new task in status pending at version 1.
	// Fails with ErrDuplicateIdempotencyKey when the key collides with a
	// non-deleted task.
	Create(ctx context.Context, input CreateTaskInput) (*Task, error)

	FindByID(ctx context.Context, id string) (*Task, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Task, error)
	FindMany(ctx context.Context, filter TaskFilter) ([]*Task, error)
	Count(ctx context.Context, filter TaskFilter) (int, error)

	// GetPendingTasks returns up to limit pending tasks ordered by priority
	// weight ascending (urgent first), then created_at ascending.
	GetPendingTasks(ctx context.Context, limit int) ([]*Task, error)

	// ClaimTask atomically moves a claimable task to running for workerID,
	// stamping started_at. Claimable means pending, or waiting with no
	// owner (a task released during a worker shutdown). Any other state, or
	// a version mismatch, returns false.
	ClaimTask(ctx context.Context, id, workerID string, expectedVersion int64) (bool, error)

	// UpdateStatus applies a status transition per the lifecycle matrix.
	UpdateStatus(ctx context.Context, id string, status Status, expectedVersion int64) (bool, error)

	UpdateCurrentStep(ctx context.Context, id, step string, expectedVersion int64) (bool, error)

	// IncrementRetryCount bumps the text or image rewrite counter.
	IncrementRetryCount(ctx context.Context, id string, kind RetryKind, expectedVersion int64) (bool, error)

	// SaveStateSnapshot persists the serialized workflow state.
	SaveStateSnapshot(ctx context.Context, id string, snapshot []byte, expectedVersion int64) (bool, error)

	// MarkCompleted moves a running or waiting task to completed and stamps
	// completed_at.
	MarkCompleted(ctx context.Context, id string, expectedVersion int64) (bool, error)

	// MarkFailed moves a running or waiting task to failed with an error
	// message and stamps completed_at.
	MarkFailed(ctx context.Context, id, errorMessage string, expectedVersion int64) (bool, error)

	// ReleaseWorker moves a running task back to waiting and clears the
	// worker id, provided workerID still owns the task.
	ReleaseWorker(ctx context.Context, id, workerID string, expectedVersion int64) (bool, error)

	SoftDelete(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error

	// PurgeDeleted removes soft-deleted tasks older than the cutoff and
	// returns how many were removed.
	PurgeDeleted(ctx context.Context, olderThan time.Time) (int, error)
}

// ResultStore is the append-only per-task output store.
type ResultStore interface {
	CreateResult(ctx context.Context, result *Result) error
	FindResultsByTask(ctx context.Context, taskID string) ([]*Result, error)
	DeleteResultsByTask(ctx context.Context, taskID string) error
}

// QualityStore records gate verdicts. Append-only.
type QualityStore interface {
	CreateQualityCheck(ctx context.Context, check *QualityCheck) error
	FindQualityChecksByTask(ctx context.Context, taskID string) ([]*QualityCheck, error)
}

// Store combines the three persistence surfaces behind one backend.
type Store interface {
	TaskStore
	ResultStore
	QualityStore
}
