package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/contentflow/store"
)

// eachStore runs fn against every available backend. MemStore and SQLiteStore
// always run; MySQLStore runs only when CONTENTFLOW_TEST_MYSQL_DSN is set.
func eachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Helper()

	t.Run("MemStore", func(t *testing.T) {
		fn(t, store.NewMemStore())
	})

	t.Run("SQLiteStore", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "contentflow_test.db")
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})

	t.Run("MySQLStore", func(t *testing.T) {
		dsn := os.Getenv("CONTENTFLOW_TEST_MYSQL_DSN")
		if dsn == "" {
			t.Skip("CONTENTFLOW_TEST_MYSQL_DSN not set")
		}
		s, err := store.NewMySQLStore(dsn)
		if err != nil {
			t.Fatalf("NewMySQLStore: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func mustCreate(t *testing.T, s store.Store, input store.CreateTaskInput) *store.Task {
	t.Helper()
	if input.Mode == "" {
		input.Mode = store.ModeAsync
	}
	if input.Topic == "" {
		input.Topic = "observability for small teams"
	}
	if input.Requirements == "" {
		input.Requirements = "practical, 800 words"
	}
	if input.Priority == "" {
		input.Priority = store.PriorityNormal
	}
	task, err := s.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func TestCreateDefaults(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		task := mustCreate(t, s, store.CreateTaskInput{
			Keywords: []string{"metrics", "tracing"},
			HardConstraints: &store.HardConstraints{
				MinWords: 500,
				Keywords: []string{"slo"},
			},
		})

		if task.Status != store.StatusPending {
			t.Errorf("status = %s, want pending", task.Status)
		}
		if task.Version != 1 {
			t.Errorf("version = %d, want 1", task.Version)
		}
		if task.ID == "" {
			t.Error("expected generated id")
		}
		if task.CreatedAt.IsZero() {
			t.Error("expected created_at to be set")
		}
		if task.Mode != store.ModeAsync {
			t.Errorf("mode = %s, want async default", task.Mode)
		}
		if task.Priority != store.PriorityNormal {
			t.Errorf("priority = %s, want normal default", task.Priority)
		}

		got, err := s.FindByID(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if len(got.Keywords) != 2 || got.Keywords[0] != "metrics" {
			t.Errorf("keywords = %v", got.Keywords)
		}
		if got.HardConstraints == nil || got.HardConstraints.MinWords != 500 {
			t.Errorf("hard constraints not round-tripped: %+v", got.HardConstraints)
		}
	})
}

func TestIdempotencyKeyUnique(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		first := mustCreate(t, s, store.CreateTaskInput{IdempotencyKey: "req-001"})

		_, err := s.Create(ctx, store.CreateTaskInput{
			IdempotencyKey: "req-001",
			Mode:           store.ModeAsync,
			Topic:          "another topic",
			Requirements:   "whatever",
			Priority:       store.PriorityNormal,
		})
		if !errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			t.Fatalf("err = %v, want ErrDuplicateIdempotencyKey", err)
		}

		got, err := s.FindByIdempotencyKey(ctx, "req-001")
		if err != nil {
			t.Fatalf("FindByIdempotencyKey: %v", err)
		}
		if got.ID != first.ID {
			t.Errorf("found id %s, want %s", got.ID, first.ID)
		}

		// Soft-deleting the holder frees the key.
		if err := s.SoftDelete(ctx, first.ID); err != nil {
			t.Fatalf("SoftDelete: %v", err)
		}
		if _, err := s.Create(ctx, store.CreateTaskInput{
			IdempotencyKey: "req-001",
			Mode:           store.ModeAsync,
			Topic:          "replacement",
			Requirements:   "whatever",
			Priority:       store.PriorityNormal,
		}); err != nil {
			t.Fatalf("Create after soft delete: %v", err)
		}
	})
}

func TestClaimTask(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		task := mustCreate(t, s, store.CreateTaskInput{})

		ok, err := s.ClaimTask(ctx, task.ID, "worker-a", task.Version)
		if err != nil {
			t.Fatalf("ClaimTask: %v", err)
		}
		if !ok {
			t.Fatal("first claim should succeed")
		}

		// Stale version loses.
		ok, err = s.ClaimTask(ctx, task.ID, "worker-b", task.Version)
		if err != nil {
			t.Fatalf("ClaimTask stale: %v", err)
		}
		if ok {
			t.Fatal("stale claim should fail")
		}

		got, err := s.FindByID(ctx, task.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if got.Status != store.StatusRunning {
			t.Errorf("status = %s, want running", got.Status)
		}
		if got.WorkerID != "worker-a" {
			t.Errorf("worker_id = %s, want worker-a", got.WorkerID)
		}
		if got.Version != task.Version+1 {
			t.Errorf("version = %d, want %d", got.Version, task.Version+1)
		}
		if got.StartedAt == nil {
			t.Error("started_at not stamped")
		}

		// Fresh version but wrong state: already running.
		ok, err = s.ClaimTask(ctx, task.ID, "worker-b", got.Version)
		if err != nil {
			t.Fatalf("ClaimTask running: %v", err)
		}
		if ok {
			t.Fatal("claim of running task should fail")
		}
	})
}

func TestClaimTaskRace(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		task := mustCreate(t, s, store.CreateTaskInput{})

		const workers = 8
		var wg sync.WaitGroup
		wins := make(chan string, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				workerID := string(rune('a' + n))
				ok, err := s.ClaimTask(ctx, task.ID, workerID, task.Version)
				if err != nil {
					t.Errorf("ClaimTask: %v", err)
					return
				}
				if ok {
					wins <- workerID
				}
			}(i)
		}
		wg.Wait()
		close(wins)

		var winners []string
		for w := range wins {
			winners = append(winners, w)
		}
		if len(winners) != 1 {
			t.Fatalf("winners = %v, want exactly one", winners)
		}

		got, err := s.FindByID(ctx, task.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if got.WorkerID != winners[0] {
			t.Errorf("worker_id = %s, want %s", got.WorkerID, winners[0])
		}
	})
}

func TestStatusTransitions(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		// pending -> completed is illegal.
		task := mustCreate(t, s, store.CreateTaskInput{})
		ok, err := s.UpdateStatus(ctx, task.ID, store.StatusCompleted, task.Version)
		if err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		if ok {
			t.Fatal("pending -> completed should be rejected")
		}

		// pending -> cancelled is legal and terminal.
		ok, err = s.UpdateStatus(ctx, task.ID, store.StatusCancelled, task.Version)
		if err != nil || !ok {
			t.Fatalf("cancel pending: ok=%v err=%v", ok, err)
		}
		got, _ := s.FindByID(ctx, task.ID)
		if got.CompletedAt == nil {
			t.Error("terminal transition should stamp completed_at")
		}

		// Terminals are sinks.
		ok, err = s.UpdateStatus(ctx, task.ID, store.StatusRunning, got.Version)
		if err != nil {
			t.Fatalf("UpdateStatus from terminal: %v", err)
		}
		if ok {
			t.Fatal("cancelled -> running should be rejected")
		}

		// running -> waiting -> running round trip.
		task2 := mustCreate(t, s, store.CreateTaskInput{})
		if ok, _ := s.ClaimTask(ctx, task2.ID, "w", task2.Version); !ok {
			t.Fatal("claim failed")
		}
		cur, _ := s.FindByID(ctx, task2.ID)
		if ok, _ := s.UpdateStatus(ctx, task2.ID, store.StatusWaiting, cur.Version); !ok {
			t.Fatal("running -> waiting should succeed")
		}
		cur, _ = s.FindByID(ctx, task2.ID)
		if ok, _ := s.UpdateStatus(ctx, task2.ID, store.StatusRunning, cur.Version); !ok {
			t.Fatal("waiting -> running should succeed")
		}
	})
}

func TestVersionMonotonicity(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		task := mustCreate(t, s, store.CreateTaskInput{})
		version := task.Version

		mutations := []func(v int64) (bool, error){
			func(v int64) (bool, error) { return s.ClaimTask(ctx, task.ID, "w", v) },
			func(v int64) (bool, error) { return s.UpdateCurrentStep(ctx, task.ID, "search", v) },
			func(v int64) (bool, error) { return s.IncrementRetryCount(ctx, task.ID, store.RetryText, v) },
			func(v int64) (bool, error) { return s.SaveStateSnapshot(ctx, task.ID, []byte(`{"step":1}`), v) },
			func(v int64) (bool, error) { return s.MarkCompleted(ctx, task.ID, v) },
		}
		for i, mutate := range mutations {
			ok, err := mutate(version)
			if err != nil {
				t.Fatalf("mutation %d: %v", i, err)
			}
			if !ok {
				t.Fatalf("mutation %d rejected at version %d", i, version)
			}
			got, err := s.FindByID(ctx, task.ID)
			if err != nil {
				t.Fatalf("FindByID: %v", err)
			}
			if got.Version != version+1 {
				t.Fatalf("mutation %d: version = %d, want %d", i, got.Version, version+1)
			}
			version = got.Version
		}

		got, _ := s.FindByID(ctx, task.ID)
		if got.TextRetryCount != 1 {
			t.Errorf("text_retry_count = %d, want 1", got.TextRetryCount)
		}
		if string(got.StateSnapshot) != `{"step":1}` {
			t.Errorf("snapshot = %q", got.StateSnapshot)
		}
		if got.Status != store.StatusCompleted {
			t.Errorf("status = %s, want completed", got.Status)
		}
	})
}

func TestMarkFailed(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		task := mustCreate(t, s, store.CreateTaskInput{})
		if ok, _ := s.ClaimTask(ctx, task.ID, "w", task.Version); !ok {
			t.Fatal("claim failed")
		}
		cur, _ := s.FindByID(ctx, task.ID)
		ok, err := s.MarkFailed(ctx, task.ID, "text quality below threshold after 3 rewrites", cur.Version)
		if err != nil || !ok {
			t.Fatalf("MarkFailed: ok=%v err=%v", ok, err)
		}
		got, _ := s.FindByID(ctx, task.ID)
		if got.Status != store.StatusFailed {
			t.Errorf("status = %s, want failed", got.Status)
		}
		if got.ErrorMessage == "" {
			t.Error("error_message not stored")
		}
		if got.CompletedAt == nil {
			t.Error("completed_at not stamped")
		}
	})
}

func TestReleaseWorker(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		task := mustCreate(t, s, store.CreateTaskInput{})
		if ok, _ := s.ClaimTask(ctx, task.ID, "worker-a", task.Version); !ok {
			t.Fatal("claim failed")
		}
		cur, _ := s.FindByID(ctx, task.ID)

		// Foreign worker cannot release.
		ok, err := s.ReleaseWorker(ctx, task.ID, "worker-b", cur.Version)
		if err != nil {
			t.Fatalf("ReleaseWorker foreign: %v", err)
		}
		if ok {
			t.Fatal("foreign release should fail")
		}

		ok, err = s.ReleaseWorker(ctx, task.ID, "worker-a", cur.Version)
		if err != nil || !ok {
			t.Fatalf("ReleaseWorker: ok=%v err=%v", ok, err)
		}
		got, _ := s.FindByID(ctx, task.ID)
		if got.Status != store.StatusWaiting {
			t.Errorf("status = %s, want waiting", got.Status)
		}
		if got.WorkerID != "" {
			t.Errorf("worker_id = %q, want empty", got.WorkerID)
		}

		// A released task is claimable again.
		ok, err = s.ClaimTask(ctx, task.ID, "worker-b", got.Version)
		if err != nil || !ok {
			t.Fatalf("reclaim released task: ok=%v err=%v", ok, err)
		}
		got, _ = s.FindByID(ctx, task.ID)
		if got.WorkerID != "worker-b" {
			t.Errorf("worker_id = %q, want worker-b", got.WorkerID)
		}
	})
}

func TestGetPendingTasksOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		low := mustCreate(t, s, store.CreateTaskInput{Priority: store.PriorityLow})
		time.Sleep(2 * time.Millisecond)
		urgent := mustCreate(t, s, store.CreateTaskInput{Priority: store.PriorityUrgent})
		time.Sleep(2 * time.Millisecond)
		normal := mustCreate(t, s, store.CreateTaskInput{Priority: store.PriorityNormal})
		time.Sleep(2 * time.Millisecond)
		high := mustCreate(t, s, store.CreateTaskInput{Priority: store.PriorityHigh})

		got, err := s.GetPendingTasks(ctx, 10)
		if err != nil {
			t.Fatalf("GetPendingTasks: %v", err)
		}
		want := []string{urgent.ID, high.ID, low.ID, normal.ID}
		if len(got) != len(want) {
			t.Fatalf("got %d tasks, want %d", len(got), len(want))
		}
		for i, id := range want {
			if got[i].ID != id {
				t.Errorf("position %d: got %s, want %s", i, got[i].Priority, id)
			}
		}

		limited, err := s.GetPendingTasks(ctx, 2)
		if err != nil {
			t.Fatalf("GetPendingTasks limit: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("limit not applied: got %d", len(limited))
		}
	})
}

func TestFindManyFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		mustCreate(t, s, store.CreateTaskInput{UserID: "u1", Mode: store.ModeSync})
		mustCreate(t, s, store.CreateTaskInput{UserID: "u1", Mode: store.ModeAsync})
		mustCreate(t, s, store.CreateTaskInput{UserID: "u2", Mode: store.ModeAsync})

		byUser, err := s.FindMany(ctx, store.TaskFilter{UserID: "u1"})
		if err != nil {
			t.Fatalf("FindMany: %v", err)
		}
		if len(byUser) != 2 {
			t.Errorf("user filter: got %d, want 2", len(byUser))
		}

		count, err := s.Count(ctx, store.TaskFilter{Mode: store.ModeAsync})
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if count != 2 {
			t.Errorf("mode count: got %d, want 2", count)
		}

		paged, err := s.FindMany(ctx, store.TaskFilter{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("FindMany paged: %v", err)
		}
		if len(paged) != 1 {
			t.Errorf("pagination: got %d, want 1", len(paged))
		}
	})
}

func TestSoftDeleteAndPurge(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		task := mustCreate(t, s, store.CreateTaskInput{})

		if err := s.SoftDelete(ctx, task.ID); err != nil {
			t.Fatalf("SoftDelete: %v", err)
		}
		if _, err := s.FindByID(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("FindByID after soft delete: %v, want ErrNotFound", err)
		}
		if err := s.SoftDelete(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("second SoftDelete: %v, want ErrNotFound", err)
		}

		purged, err := s.PurgeDeleted(ctx, time.Now().UTC().Add(time.Minute))
		if err != nil {
			t.Fatalf("PurgeDeleted: %v", err)
		}
		if purged != 1 {
			t.Errorf("purged = %d, want 1", purged)
		}
	})
}

func TestResultsAndQualityChecks(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		task := mustCreate(t, s, store.CreateTaskInput{})

		results := []*store.Result{
			{TaskID: task.ID, Type: store.ResultArticle, Content: "# Title\n\nBody."},
			{TaskID: task.ID, Type: store.ResultImage, Content: "https://img.example.com/1.png",
				Metadata: map[string]interface{}{"size": "2560x1440"}},
			{TaskID: task.ID, Type: store.ResultFinalArticle, Content: "# Title\n\n![hero](/img/1.png)\n\nBody."},
		}
		for _, r := range results {
			if err := s.CreateResult(ctx, r); err != nil {
				t.Fatalf("CreateResult: %v", err)
			}
			if r.ID == "" {
				t.Error("result id not assigned")
			}
		}

		got, err := s.FindResultsByTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("FindResultsByTask: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d results, want 3", len(got))
		}
		if got[1].Metadata["size"] != "2560x1440" {
			t.Errorf("metadata not round-tripped: %v", got[1].Metadata)
		}

		check := &store.QualityCheck{
			TaskID:                task.ID,
			Kind:                  store.CheckText,
			Score:                 7.4,
			Passed:                true,
			HardConstraintsPassed: true,
			Details:               map[string]interface{}{"relevance": 8.0},
			FixSuggestions:        []string{"tighten the intro"},
			RubricVersion:         "v1",
			ModelName:             "gpt-4o-mini",
		}
		if err := s.CreateQualityCheck(ctx, check); err != nil {
			t.Fatalf("CreateQualityCheck: %v", err)
		}
		checks, err := s.FindQualityChecksByTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("FindQualityChecksByTask: %v", err)
		}
		if len(checks) != 1 || checks[0].Score != 7.4 {
			t.Fatalf("checks = %+v", checks)
		}
		if len(checks[0].FixSuggestions) != 1 {
			t.Errorf("fix suggestions not round-tripped")
		}

		if err := s.DeleteResultsByTask(ctx, task.ID); err != nil {
			t.Fatalf("DeleteResultsByTask: %v", err)
		}
		got, _ = s.FindResultsByTask(ctx, task.ID)
		if len(got) != 0 {
			t.Errorf("results remain after delete: %d", len(got))
		}
	})
}
