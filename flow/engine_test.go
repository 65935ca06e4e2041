package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// trail is the test state: an ordered record of which nodes ran.
type trail struct {
	Visited []string
	Err     string
}

func reduceTrail(prev, delta trail) trail {
	out := prev
	out.Visited = append(append([]string(nil), prev.Visited...), delta.Visited...)
	if delta.Err != "" {
		out.Err = delta.Err
	}
	return out
}

func visit(id string) Node[trail] {
	return NodeFunc[trail](func(ctx context.Context, s trail) NodeResult[trail] {
		return NodeResult[trail]{Delta: trail{Visited: []string{id}}}
	})
}

type recordSaver struct {
	mu    sync.Mutex
	steps []int
	nodes []string
	fail  error
}

func (r *recordSaver) SaveStep(ctx context.Context, runID string, step int, nodeID string, state trail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	r.nodes = append(r.nodes, nodeID)
	return r.fail
}

func buildLinear(t *testing.T, saver Saver[trail], ids ...string) *Engine[trail] {
	t.Helper()
	engine := New[trail](reduceTrail, saver, Options{})
	for _, id := range ids {
		if err := engine.Add(id, visit(id)); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}
	for i := 0; i < len(ids)-1; i++ {
		if err := engine.Connect(ids[i], ids[i+1], nil); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	return engine
}

func TestRunLinearWorkflow(t *testing.T) {
	saver := &recordSaver{}
	engine := buildLinear(t, saver, "a", "b", "c")
	if err := engine.Add("stop", NodeFunc[trail](func(ctx context.Context, s trail) NodeResult[trail] {
		return NodeResult[trail]{Delta: trail{Visited: []string{"stop"}}, Route: Stop()}
	})); err != nil {
		t.Fatal(err)
	}
	if err := engine.Connect("c", "stop", nil); err != nil {
		t.Fatal(err)
	}
	if err := engine.StartAt("a"); err != nil {
		t.Fatal(err)
	}

	final, err := engine.Run(context.Background(), "run-1", trail{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"a", "b", "c", "stop"}
	if len(final.Visited) != len(want) {
		t.Fatalf("visited = %v, want %v", final.Visited, want)
	}
	for i, id := range want {
		if final.Visited[i] != id {
			t.Errorf("visited[%d] = %s, want %s", i, final.Visited[i], id)
		}
		if saver.nodes[i] != id {
			t.Errorf("checkpoint[%d] = %s, want %s", i, saver.nodes[i], id)
		}
		if saver.steps[i] != i+1 {
			t.Errorf("step[%d] = %d, want %d", i, saver.steps[i], i+1)
		}
	}
}

func TestExplicitRouteOverridesEdges(t *testing.T) {
	saver := &recordSaver{}
	engine := New[trail](reduceTrail, saver, Options{})
	_ = engine.Add("a", NodeFunc[trail](func(ctx context.Context, s trail) NodeResult[trail] {
		return NodeResult[trail]{Delta: trail{Visited: []string{"a"}}, Route: Goto("c")}
	}))
	_ = engine.Add("b", visit("b"))
	_ = engine.Add("c", NodeFunc[trail](func(ctx context.Context, s trail) NodeResult[trail] {
		return NodeResult[trail]{Delta: trail{Visited: []string{"c"}}, Route: Stop()}
	}))
	// The edge points at b, but the node routes to c explicitly.
	_ = engine.Connect("a", "b", nil)
	_ = engine.StartAt("a")

	final, err := engine.Run(context.Background(), "run-1", trail{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(final.Visited, ",") != "a,c" {
		t.Errorf("visited = %v, want [a c]", final.Visited)
	}
}

func TestConditionalEdges(t *testing.T) {
	saver := &recordSaver{}
	engine := New[trail](reduceTrail, saver, Options{})
	_ = engine.Add("check", visit("check"))
	_ = engine.Add("left", terminalVisit("left"))
	_ = engine.Add("right", terminalVisit("right"))
	_ = engine.Connect("check", "left", func(s trail) bool { return len(s.Visited) > 5 })
	_ = engine.Connect("check", "right", func(s trail) bool { return len(s.Visited) <= 5 })
	_ = engine.StartAt("check")

	final, err := engine.Run(context.Background(), "run-1", trail{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Visited[len(final.Visited)-1] != "right" {
		t.Errorf("took %v, want right branch", final.Visited)
	}
}

func terminalVisit(id string) Node[trail] {
	return NodeFunc[trail](func(ctx context.Context, s trail) NodeResult[trail] {
		return NodeResult[trail]{Delta: trail{Visited: []string{id}}, Route: Stop()}
	})
}

func TestNoRouteFails(t *testing.T) {
	engine := New[trail](reduceTrail, &recordSaver{}, Options{})
	_ = engine.Add("a", visit("a"))
	_ = engine.StartAt("a")

	_, err := engine.Run(context.Background(), "run-1", trail{})
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != "NO_ROUTE" {
		t.Fatalf("err = %v, want NO_ROUTE", err)
	}
}

func TestMaxStepsEnforced(t *testing.T) {
	engine := New[trail](reduceTrail, &recordSaver{}, Options{MaxSteps: 3})
	_ = engine.Add("loop", visit("loop"))
	_ = engine.Connect("loop", "loop", nil)
	_ = engine.StartAt("loop")

	final, err := engine.Run(context.Background(), "run-1", trail{})
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != "MAX_STEPS_EXCEEDED" {
		t.Fatalf("err = %v, want MAX_STEPS_EXCEEDED", err)
	}
	if len(final.Visited) != 3 {
		t.Errorf("executed %d steps, want 3", len(final.Visited))
	}
}

type stubGate struct {
	allow int
	err   error
	calls int
}

func (g *stubGate) Check(ctx context.Context, runID string) error {
	g.calls++
	if g.calls > g.allow {
		return g.err
	}
	return nil
}

func TestGateStopsRun(t *testing.T) {
	saver := &recordSaver{}
	engine := buildLinear(t, saver, "a", "b", "c")
	_ = engine.StartAt("a")
	gate := &stubGate{allow: 1, err: ErrCancelled}
	engine.WithGate(gate)

	final, err := engine.Run(context.Background(), "run-1", trail{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	// Only the node before the gate tripped ran, and its checkpoint exists.
	if len(final.Visited) != 1 || final.Visited[0] != "a" {
		t.Errorf("visited = %v, want [a]", final.Visited)
	}
	if len(saver.nodes) != 1 {
		t.Errorf("checkpoints = %v, want one", saver.nodes)
	}
}

func TestSaverSupersededAborts(t *testing.T) {
	saver := &recordSaver{fail: ErrSuperseded}
	engine := buildLinear(t, saver, "a", "b")
	_ = engine.StartAt("a")

	_, err := engine.Run(context.Background(), "run-1", trail{})
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("err = %v, want ErrSuperseded", err)
	}
}

func TestNodeErrorMergesDeltaAndCheckpoints(t *testing.T) {
	saver := &recordSaver{}
	engine := New[trail](reduceTrail, saver, Options{})
	_ = engine.Add("boom", NodeFunc[trail](func(ctx context.Context, s trail) NodeResult[trail] {
		return NodeResult[trail]{
			Delta: trail{Visited: []string{"boom"}, Err: "partial work"},
			Err:   errors.New("exploded"),
		}
	}))
	_ = engine.StartAt("boom")

	final, err := engine.Run(context.Background(), "run-1", trail{})
	if err == nil {
		t.Fatal("expected error")
	}
	var ne *NodeError
	if !errors.As(err, &ne) || ne.NodeID != "boom" {
		t.Fatalf("err = %v, want NodeError from boom", err)
	}
	if final.Err != "partial work" {
		t.Error("failed node's delta was not merged")
	}
	if len(saver.nodes) != 1 {
		t.Error("failure checkpoint was not written")
	}
}

func TestRunFromResumesWithOffset(t *testing.T) {
	saver := &recordSaver{}
	engine := buildLinear(t, saver, "a", "b", "c")
	_ = engine.Add("stop", terminalVisit("stop"))
	_ = engine.Connect("c", "stop", nil)
	_ = engine.StartAt("a")

	restored := trail{Visited: []string{"a", "b"}}
	final, err := engine.RunFrom(context.Background(), "run-1", "c", restored, 2)
	if err != nil {
		t.Fatalf("RunFrom: %v", err)
	}
	if strings.Join(final.Visited, ",") != "a,b,c,stop" {
		t.Errorf("visited = %v", final.Visited)
	}
	if saver.steps[0] != 3 {
		t.Errorf("first resumed step = %d, want 3", saver.steps[0])
	}
}

func TestTransparentRetryRecovers(t *testing.T) {
	saver := &recordSaver{}
	engine := New[trail](reduceTrail, saver, Options{})

	transient := errors.New("flaky backend")
	attempts := 0
	_ = engine.Add("flaky", NodeFunc[trail](func(ctx context.Context, s trail) NodeResult[trail] {
		attempts++
		if attempts < 3 {
			return NodeResult[trail]{Err: transient}
		}
		return NodeResult[trail]{Delta: trail{Visited: []string{"flaky"}}, Route: Stop()}
	}))
	_ = engine.SetPolicy("flaky", NodePolicy{
		Retry: &RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Retryable:   func(err error) bool { return errors.Is(err, transient) },
		},
	})
	_ = engine.StartAt("flaky")

	final, err := engine.Run(context.Background(), "run-1", trail{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(final.Visited) != 1 {
		t.Errorf("visited = %v", final.Visited)
	}
	// Retries are invisible to checkpoints: one save for the one node.
	if len(saver.nodes) != 1 {
		t.Errorf("checkpoints = %v, want one", saver.nodes)
	}
}

func TestNonRetryableErrorNotRetried(t *testing.T) {
	engine := New[trail](reduceTrail, &recordSaver{}, Options{})
	attempts := 0
	fatal := errors.New("bad request")
	_ = engine.Add("fatal", NodeFunc[trail](func(ctx context.Context, s trail) NodeResult[trail] {
		attempts++
		return NodeResult[trail]{Err: fatal}
	}))
	_ = engine.SetPolicy("fatal", NodePolicy{
		Retry: &RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
			Retryable:   func(err error) bool { return false },
		},
	})
	_ = engine.StartAt("fatal")

	_, err := engine.Run(context.Background(), "run-1", trail{})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestNodeTimeout(t *testing.T) {
	engine := New[trail](reduceTrail, &recordSaver{}, Options{})
	_ = engine.Add("slow", NodeFunc[trail](func(ctx context.Context, s trail) NodeResult[trail] {
		select {
		case <-time.After(5 * time.Second):
			return NodeResult[trail]{Delta: trail{Visited: []string{"slow"}}, Route: Stop()}
		case <-ctx.Done():
			return NodeResult[trail]{Err: ctx.Err()}
		}
	}))
	_ = engine.SetPolicy("slow", NodePolicy{Timeout: 20 * time.Millisecond})
	_ = engine.StartAt("slow")

	start := time.Now()
	_, err := engine.Run(context.Background(), "run-1", trail{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout did not fire promptly")
	}
	// Either the engine's timeout error or the node observing its deadline.
	var ne *NodeError
	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Code == "NODE_TIMEOUT")
	if !timedOut {
		t.Errorf("err = %v, want node timeout", err)
	}
}

func TestDuplicateNodeRejected(t *testing.T) {
	engine := New[trail](reduceTrail, &recordSaver{}, Options{})
	if err := engine.Add("a", visit("a")); err != nil {
		t.Fatal(err)
	}
	err := engine.Add("a", visit("a"))
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != "DUPLICATE_NODE" {
		t.Fatalf("err = %v, want DUPLICATE_NODE", err)
	}
}

func TestStartAtUnknownNode(t *testing.T) {
	engine := New[trail](reduceTrail, &recordSaver{}, Options{})
	if err := engine.StartAt("missing"); err == nil {
		t.Fatal("expected error for unknown start node")
	}
}
