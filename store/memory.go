package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store guarded by a single mutex.
//
// It is the reference implementation of the optimistic-lock contract and the
// default backend for tests and sync-only deployments. Data does not survive
// process restart.
type MemStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	results map[string][]*Result
	checks  map[string][]*QualityCheck
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:   make(map[string]*Task),
		results: make(map[string][]*Result),
		checks:  make(map[string][]*QualityCheck),
	}
}

func (m *MemStore) Create(ctx context.Context, input CreateTaskInput) (*Task, error) {
	input.normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	if input.IdempotencyKey != "" {
		for _, t := range m.tasks {
			if t.IdempotencyKey == input.IdempotencyKey && t.DeletedAt == nil {
				return nil, ErrDuplicateIdempotencyKey
			}
		}
	}

	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	task := &Task{
		ID:              id,
		IdempotencyKey:  input.IdempotencyKey,
		Mode:            input.Mode,
		Topic:           input.Topic,
		Requirements:    input.Requirements,
		TargetAudience:  input.TargetAudience,
		Keywords:        append([]string(nil), input.Keywords...),
		Tone:            input.Tone,
		HardConstraints: input.HardConstraints,
		Priority:        input.Priority,
		ImageSize:       input.ImageSize,
		UserID:          input.UserID,
		Status:          StatusPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.tasks[id] = task
	return copyTask(task), nil
}

func (m *MemStore) FindByID(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (m *MemStore) FindByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.IdempotencyKey == key && t.DeletedAt == nil {
			return copyTask(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) FindMany(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := m.filterLocked(filter)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*Task, len(matched))
	for i, t := range matched {
		out[i] = copyTask(t)
	}
	return out, nil
}

func (m *MemStore) Count(ctx context.Context, filter TaskFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filterLocked(filter)), nil
}

func (m *MemStore) filterLocked(filter TaskFilter) []*Task {
	var matched []*Task
	for _, t := range m.tasks {
		if t.DeletedAt != nil {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Mode != "" && t.Mode != filter.Mode {
			continue
		}
		if filter.UserID != "" && t.UserID != filter.UserID {
			continue
		}
		matched = append(matched, t)
	}
	return matched
}

func (m *MemStore) GetPendingTasks(ctx context.Context, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*Task
	for _, t := range m.tasks {
		if t.Status == StatusPending && t.DeletedAt == nil {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		wi, wj := pending[i].Priority.Weight(), pending[j].Priority.Weight()
		if wi != wj {
			return wi < wj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*Task, len(pending))
	for i, t := range pending {
		out[i] = copyTask(t)
	}
	return out, nil
}

func (m *MemStore) ClaimTask(ctx context.Context, id, workerID string, expectedVersion int64) (bool, error) {
	return m.mutate(id, expectedVersion, func(t *Task) bool {
		claimable := t.Status == StatusPending ||
			(t.Status == StatusWaiting && t.WorkerID == "")
		if !claimable {
			return false
		}
		now := time.Now().UTC()
		t.Status = StatusRunning
		t.WorkerID = workerID
		t.StartedAt = &now
		return true
	})
}

func (m *MemStore) UpdateStatus(ctx context.Context, id string, status Status, expectedVersion int64) (bool, error) {
	return m.mutate(id, expectedVersion, func(t *Task) bool {
		if !t.Status.CanTransition(status) {
			return false
		}
		t.Status = status
		if status.IsTerminal() {
			now := time.Now().UTC()
			t.CompletedAt = &now
			t.WorkerID = ""
		}
		return true
	})
}

func (m *MemStore) UpdateCurrentStep(ctx context.Context, id, step string, expectedVersion int64) (bool, error) {
	return m.mutate(id, expectedVersion, func(t *Task) bool {
		t.CurrentStep = step
		return true
	})
}

func (m *MemStore) IncrementRetryCount(ctx context.Context, id string, kind RetryKind, expectedVersion int64) (bool, error) {
	return m.mutate(id, expectedVersion, func(t *Task) bool {
		switch kind {
		case RetryText:
			t.TextRetryCount++
		case RetryImage:
			t.ImageRetryCount++
		default:
			return false
		}
		return true
	})
}

func (m *MemStore) SaveStateSnapshot(ctx context.Context, id string, snapshot []byte, expectedVersion int64) (bool, error) {
	return m.mutate(id, expectedVersion, func(t *Task) bool {
		t.StateSnapshot = append([]byte(nil), snapshot...)
		return true
	})
}

func (m *MemStore) MarkCompleted(ctx context.Context, id string, expectedVersion int64) (bool, error) {
	return m.mutate(id, expectedVersion, func(t *Task) bool {
		if !t.Status.CanTransition(StatusCompleted) {
			return false
		}
		now := time.Now().UTC()
		t.Status = StatusCompleted
		t.WorkerID = ""
		t.CompletedAt = &now
		return true
	})
}

func (m *MemStore) MarkFailed(ctx context.Context, id, errorMessage string, expectedVersion int64) (bool, error) {
	return m.mutate(id, expectedVersion, func(t *Task) bool {
		if !t.Status.CanTransition(StatusFailed) {
			return false
		}
		now := time.Now().UTC()
		t.Status = StatusFailed
		t.WorkerID = ""
		t.ErrorMessage = errorMessage
		t.CompletedAt = &now
		return true
	})
}

func (m *MemStore) ReleaseWorker(ctx context.Context, id, workerID string, expectedVersion int64) (bool, error) {
	return m.mutate(id, expectedVersion, func(t *Task) bool {
		if t.Status != StatusRunning || t.WorkerID != workerID {
			return false
		}
		t.Status = StatusWaiting
		t.WorkerID = ""
		return true
	})
}

// mutate applies fn under the lock if the version matches and fn accepts the
// current state, then bumps the version. This is the entire optimistic-lock
// protocol for the memory backend.
func (m *MemStore) mutate(id string, expectedVersion int64, fn func(t *Task) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return false, ErrNotFound
	}
	if t.Version != expectedVersion {
		return false, nil
	}
	if !fn(t) {
		return false, nil
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemStore) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	t.UpdatedAt = now
	return nil
}

func (m *MemStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	delete(m.results, id)
	delete(m.checks, id)
	return nil
}

func (m *MemStore) PurgeDeleted(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, t := range m.tasks {
		if t.DeletedAt != nil && t.DeletedAt.Before(olderThan) {
			delete(m.tasks, id)
			delete(m.results, id)
			delete(m.checks, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemStore) CreateResult(ctx context.Context, result *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	stored := *result
	m.results[result.TaskID] = append(m.results[result.TaskID], &stored)
	return nil
}

func (m *MemStore) FindResultsByTask(ctx context.Context, taskID string) ([]*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.results[taskID]
	out := make([]*Result, len(stored))
	for i, r := range stored {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *MemStore) DeleteResultsByTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, taskID)
	return nil
}

func (m *MemStore) CreateQualityCheck(ctx context.Context, check *QualityCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if check.ID == "" {
		check.ID = uuid.NewString()
	}
	if check.CreatedAt.IsZero() {
		check.CreatedAt = time.Now().UTC()
	}
	stored := *check
	m.checks[check.TaskID] = append(m.checks[check.TaskID], &stored)
	return nil
}

func (m *MemStore) FindQualityChecksByTask(ctx context.Context, taskID string) ([]*QualityCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.checks[taskID]
	out := make([]*QualityCheck, len(stored))
	for i, c := range stored {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func copyTask(t *Task) *Task {
	cp := *t
	cp.Keywords = append([]string(nil), t.Keywords...)
	cp.StateSnapshot = append([]byte(nil), t.StateSnapshot...)
	if t.HardConstraints != nil {
		hc := *t.HardConstraints
		hc.Keywords = append([]string(nil), t.HardConstraints.Keywords...)
		hc.ForbiddenWords = append([]string(nil), t.HardConstraints.ForbiddenWords...)
		cp.HardConstraints = &hc
	}
	return &cp
}
