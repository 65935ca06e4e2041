// Package checkpoint bridges the workflow engine and the task store. The
// Manager is both the engine's Saver (every node boundary becomes a state
// snapshot written under the task's optimistic-lock version) and its Gate
// (cooperative cancellation and ownership checks before every node).
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dshills/contentflow/content"
	"github.com/dshills/contentflow/flow"
	"github.com/dshills/contentflow/store"
)

// mutateAttempts bounds version-conflict retries on checkpoint writes.
// Conflicts here normally mean another actor touched the row; more than a
// couple of refetches means we lost ownership.
const mutateAttempts = 3

// Manager persists workflow progress for one worker. The zero worker id is
// used by the sync executor, which owns its task for the whole run. States
// this worker checkpoints are also cached in memory, so a reload of a task it
// already worked on skips the snapshot decode.
type Manager struct {
	tasks    store.TaskStore
	workerID string
	cache    *stateCache
	logger   *slog.Logger
}

// NewManager creates a checkpoint manager bound to a worker identity.
func NewManager(tasks store.TaskStore, workerID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{tasks: tasks, workerID: workerID, cache: newStateCache(), logger: logger}
}

// Check implements flow.Gate. It is called before every node: a cancelled
// task stops the run with flow.ErrCancelled, and a task that reached a
// terminal state or moved to another worker stops it with flow.ErrSuperseded.
func (m *Manager) Check(ctx context.Context, taskID string) error {
	task, err := m.tasks.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return flow.ErrSuperseded
		}
		// A flaky read must not kill the run; the save path re-checks.
		m.logger.Warn("gate check read failed", "task_id", taskID, "error", err)
		return nil
	}
	return m.ownershipErr(task)
}

func (m *Manager) ownershipErr(task *store.Task) error {
	if task.Status == store.StatusCancelled {
		return flow.ErrCancelled
	}
	if task.Status.IsTerminal() {
		return flow.ErrSuperseded
	}
	if m.workerID != "" && task.WorkerID != "" && task.WorkerID != m.workerID {
		return flow.ErrSuperseded
	}
	return nil
}

// SaveStep implements flow.Saver. It refetches the task (the version is
// never cached across node boundaries), re-verifies ownership, then writes
// the current step, any retry-counter advances, and the state snapshot, each
// under the optimistic lock. Ownership loss surfaces as flow.ErrSuperseded
// or flow.ErrCancelled; transient write failures are logged and swallowed,
// costing at worst a replay from the previous checkpoint.
func (m *Manager) SaveStep(ctx context.Context, taskID string, step int, nodeID string, state content.State) error {
	task, err := m.tasks.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return flow.ErrSuperseded
		}
		m.logger.Warn("checkpoint read failed", "task_id", taskID, "step", step, "error", err)
		return nil
	}
	if err := m.ownershipErr(task); err != nil {
		m.cache.drop(taskID)
		return err
	}

	version := task.Version

	version, _, err = m.mutate(ctx, taskID, version, func(v int64) (bool, error) {
		return m.tasks.UpdateCurrentStep(ctx, taskID, nodeID, v)
	})
	if err != nil {
		m.cache.drop(taskID)
		return err
	}

	for i := task.TextRetryCount; i < state.TextRetryCount; i++ {
		version, _, err = m.mutate(ctx, taskID, version, func(v int64) (bool, error) {
			return m.tasks.IncrementRetryCount(ctx, taskID, store.RetryText, v)
		})
		if err != nil {
			m.cache.drop(taskID)
			return err
		}
	}
	for i := task.ImageRetryCount; i < state.ImageRetryCount; i++ {
		version, _, err = m.mutate(ctx, taskID, version, func(v int64) (bool, error) {
			return m.tasks.IncrementRetryCount(ctx, taskID, store.RetryImage, v)
		})
		if err != nil {
			m.cache.drop(taskID)
			return err
		}
	}

	snapshot, err := content.Marshal(state)
	if err != nil {
		m.logger.Error("state snapshot marshal failed", "task_id", taskID, "step", step, "error", err)
		return nil
	}
	_, applied, err := m.mutate(ctx, taskID, version, func(v int64) (bool, error) {
		return m.tasks.SaveStateSnapshot(ctx, taskID, snapshot, v)
	})
	if err != nil {
		m.cache.drop(taskID)
		return err
	}
	if applied {
		m.cache.put(taskID, snapshot, state)
	}

	m.logger.Debug("checkpoint saved",
		"task_id", taskID, "step", step, "node", nodeID, "worker", m.workerID)
	return nil
}

// mutate applies one optimistic-lock write, refetching on version conflict.
// A conflict that turns out to be a cancellation or another worker's claim
// becomes the corresponding control error; persistent conflicts against a
// row we still own give up as superseded. The second return reports whether
// the write actually landed, since swallowed transient failures do not.
func (m *Manager) mutate(ctx context.Context, taskID string, version int64, fn func(v int64) (bool, error)) (int64, bool, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		ok, err := fn(version)
		if err != nil {
			m.logger.Warn("checkpoint write failed", "task_id", taskID, "error", err)
			return version, false, nil
		}
		if ok {
			return version + 1, true, nil
		}

		task, err := m.tasks.FindByID(ctx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return version, false, flow.ErrSuperseded
			}
			m.logger.Warn("checkpoint refetch failed", "task_id", taskID, "error", err)
			return version, false, nil
		}
		if err := m.ownershipErr(task); err != nil {
			return version, false, err
		}
		version = task.Version
	}
	return version, false, flow.ErrSuperseded
}

// Restore rebuilds the workflow state and resume point from a task row. A
// state this worker checkpointed itself is reused from the memory cache when
// its snapshot still matches the row's, skipping the decode; the row is
// otherwise authoritative. The identity fields always come from the row,
// never the snapshot, so a stale or corrupt snapshot cannot change what the
// task is about; a missing or unreadable snapshot restarts the pipeline from
// the beginning.
func (m *Manager) Restore(task *store.Task) (content.State, string, error) {
	if len(task.StateSnapshot) == 0 {
		s := content.NewState(task)
		return s, content.StepSearch, nil
	}

	s, cached := m.cache.get(task.ID, task.StateSnapshot)
	if !cached {
		var err error
		s, err = content.Unmarshal(task.StateSnapshot)
		if err != nil {
			m.logger.Warn("state snapshot unreadable, restarting pipeline",
				"task_id", task.ID, "error", err)
			fresh := content.NewState(task)
			return fresh, content.StepSearch, nil
		}
	}

	s.TaskID = task.ID
	s.Mode = task.Mode
	s.Topic = task.Topic
	s.Requirements = task.Requirements
	s.HardConstraints = task.HardConstraints
	s.TextRetryCount = task.TextRetryCount
	s.ImageRetryCount = task.ImageRetryCount

	next := content.ResumeNode(s)
	if next == "" {
		return s, "", nil
	}
	return s, next, nil
}

// Forget evicts a task's cached state. Called when the task reaches a
// terminal status and the entry can no longer be reloaded.
func (m *Manager) Forget(taskID string) {
	m.cache.drop(taskID)
}

// StepOffset derives the checkpoint step number a resumed run continues
// from, keeping persisted step numbers monotonic across workers.
func StepOffset(s content.State) int {
	return len(s.StepsCompleted)
}

// Describe summarizes a restore decision for logs.
func Describe(s content.State, resumeNode string) string {
	if resumeNode == "" {
		return "pipeline already complete"
	}
	return fmt.Sprintf("resume at %s after %d completed steps", resumeNode, len(s.StepsCompleted))
}
