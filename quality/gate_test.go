package quality

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/contentflow/adapter"
	"github.com/dshills/contentflow/store"
)

const passingEval = `{"relevance": 8, "coherence": 8, "completeness": 7, "readability": 9, "reason": "solid draft", "fix_suggestions": []}`
const failingEval = `{"relevance": 5, "coherence": 6, "completeness": 4, "readability": 7, "reason": "shallow coverage", "fix_suggestions": ["add concrete examples"]}`

func testTask() *store.Task {
	return &store.Task{
		ID:           "task-1",
		Topic:        "observability for small teams",
		Requirements: "practical, 800 words",
	}
}

func TestScoresWeighted(t *testing.T) {
	s := Scores{Relevance: 8, Coherence: 8, Completeness: 7, Readability: 9}
	assert.InDelta(t, 8.0, s.Weighted(), 0.001)

	// Out-of-range dimensions are clamped before weighting.
	wild := Scores{Relevance: 15, Coherence: -3, Completeness: 10, Readability: 10}
	assert.InDelta(t, 10*0.3+0+10*0.2+10*0.2, wild.Weighted(), 0.001)
}

func TestGatePassingDraft(t *testing.T) {
	chat := &adapter.MockChat{Responses: []string{passingEval}}
	s := store.NewMemStore()
	gate := NewGate(NewEvaluator(chat, 0, nil), s, false, nil)

	v, err := gate.CheckText(context.Background(), testTask(), "A long enough draft about observability.")
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.True(t, v.HardConstraintsPassed)
	assert.InDelta(t, 8.0, v.Score, 0.001)

	checks, err := s.FindQualityChecksByTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, store.CheckText, checks[0].Kind)
	assert.True(t, checks[0].Passed)
	assert.Equal(t, RubricVersion, checks[0].RubricVersion)
}

func TestGateSoftFailCarriesSuggestions(t *testing.T) {
	chat := &adapter.MockChat{Responses: []string{failingEval}}
	gate := NewGate(NewEvaluator(chat, 0, nil), store.NewMemStore(), false, nil)

	v, err := gate.CheckText(context.Background(), testTask(), "A thin draft.")
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.True(t, v.HardConstraintsPassed)
	assert.Contains(t, v.FixSuggestions, "add concrete examples")
}

func TestGateHardFailSkipsEvaluator(t *testing.T) {
	chat := &adapter.MockChat{Responses: []string{passingEval}}
	s := store.NewMemStore()
	gate := NewGate(NewEvaluator(chat, 0, nil), s, false, nil)

	task := testTask()
	task.HardConstraints = &store.HardConstraints{MinWords: 100}
	v, err := gate.CheckText(context.Background(), task, "way too short")
	require.NoError(t, err)

	assert.False(t, v.Passed)
	assert.False(t, v.HardConstraintsPassed)
	assert.Zero(t, v.Score)
	assert.Zero(t, chat.CallCount(), "evaluator must not run on hard failure")

	checks, _ := s.FindQualityChecksByTask(context.Background(), task.ID)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].HardConstraintsPassed)
}

func TestGateEvaluatorOutageFailsClosed(t *testing.T) {
	chat := &adapter.MockChat{Err: adapter.NewTransientError(errors.New("boom"))}
	gate := NewGate(NewEvaluator(chat, 0, nil), store.NewMemStore(), false, nil)

	v, err := gate.CheckText(context.Background(), testTask(), "A draft.")
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Zero(t, v.Score)
	assert.Equal(t, "evaluator unavailable", v.Reason)
}

func TestGateUnparseableEvaluatorFailsClosed(t *testing.T) {
	chat := &adapter.MockChat{Responses: []string{"I think it's pretty good!"}}
	gate := NewGate(NewEvaluator(chat, 0, nil), store.NewMemStore(), false, nil)

	v, err := gate.CheckText(context.Background(), testTask(), "A draft.")
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Zero(t, v.Score)
}

func TestGateConfiguredThreshold(t *testing.T) {
	// failingEval weighs in at 5.5: below the default threshold, above a
	// loosened one.
	chat := &adapter.MockChat{Responses: []string{failingEval, failingEval}}

	strict := NewGate(NewEvaluator(chat, 0, nil), store.NewMemStore(), false, nil)
	v, err := strict.CheckText(context.Background(), testTask(), "A draft.")
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.InDelta(t, 5.5, v.Score, 0.001)

	loose := NewGate(NewEvaluator(chat, 5.0, nil), store.NewMemStore(), false, nil)
	v, err = loose.CheckText(context.Background(), testTask(), "A draft.")
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.InDelta(t, 5.5, v.Score, 0.001)
}

func TestGateForcePass(t *testing.T) {
	chat := &adapter.MockChat{Err: adapter.NewFatalError(errors.New("no key"))}
	gate := NewGate(NewEvaluator(chat, 0, nil), store.NewMemStore(), true, nil)

	v, err := gate.CheckText(context.Background(), testTask(), "A draft.")
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Zero(t, chat.CallCount())

	// Hard constraints still bind under force pass.
	task := testTask()
	task.HardConstraints = &store.HardConstraints{MinWords: 100}
	v, err = gate.CheckText(context.Background(), task, "short")
	require.NoError(t, err)
	assert.False(t, v.Passed)
}

func TestGateCheckImage(t *testing.T) {
	s := store.NewMemStore()
	gate := NewGate(nil, s, false, nil)

	v, err := gate.CheckImage(context.Background(), testTask(), adapter.ImageOut{
		URL: "https://img.example.com/1.png", Size: "2560x1440",
	})
	require.NoError(t, err)
	assert.True(t, v.Passed)

	v, err = gate.CheckImage(context.Background(), testTask(), adapter.ImageOut{Size: "2560x1440"})
	require.NoError(t, err)
	assert.False(t, v.Passed)

	v, err = gate.CheckImage(context.Background(), testTask(), adapter.ImageOut{
		URL: "https://img.example.com/2.png", Size: "640x480",
	})
	require.NoError(t, err)
	assert.False(t, v.Passed)

	checks, _ := s.FindQualityChecksByTask(context.Background(), "task-1")
	assert.Len(t, checks, 3)
}
