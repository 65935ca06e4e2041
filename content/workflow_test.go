package content

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/contentflow/adapter"
	"github.com/dshills/contentflow/flow"
	"github.com/dshills/contentflow/quality"
	"github.com/dshills/contentflow/store"
)

const organizeJSON = `{"outline": "1. intro 2. body 3. close", "key_points": ["keep it practical"], "summary": "a grounded take"}`

const draftArticle = "# Observability on a Budget\n\n" +
	"Small teams can get most of the value with three tools and some discipline.\n\n" +
	"image-placeholder-1\n\n" +
	"## The Stack\n\nMetrics, logs, traces. Pick boring defaults.\n\n" +
	"Start small and grow the stack only when the pain is real.\n\n" +
	"```json\n{\"image_prompts\": [\"a minimalist dashboard on a single monitor\"]}\n```"

const passEval = `{"relevance": 8, "coherence": 8, "completeness": 8, "readability": 8, "reason": "solid", "fix_suggestions": []}`
const failEval = `{"relevance": 5, "coherence": 5, "completeness": 5, "readability": 5, "reason": "too thin", "fix_suggestions": ["add examples"]}`

// memSaver collects checkpoints for assertions.
type memSaver struct {
	mu    sync.Mutex
	steps []savedStep
}

type savedStep struct {
	step   int
	nodeID string
	state  State
}

func (m *memSaver) SaveStep(ctx context.Context, runID string, step int, nodeID string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, savedStep{step: step, nodeID: nodeID, state: state})
	return nil
}

// routeChat answers organize, write, and evaluate calls by inspecting the
// system prompt, the way the pipeline interleaves them.
func routeChat(t *testing.T, onWrite func(call int) string, onEval func(call int) string) *adapter.MockChat {
	t.Helper()
	var writes, evals int
	return &adapter.MockChat{
		Script: func(call int, messages []adapter.Message) (string, error) {
			require.NotEmpty(t, messages)
			system := messages[0].Content
			switch {
			case strings.Contains(system, "research editor"):
				return organizeJSON, nil
			case strings.Contains(system, "professional writer"):
				writes++
				return onWrite(writes), nil
			case strings.Contains(system, "editorial reviewer"):
				evals++
				return onEval(evals), nil
			default:
				t.Fatalf("unexpected system prompt: %s", system)
				return "", nil
			}
		},
	}
}

func buildTestDeps(chat *adapter.MockChat, search adapter.SearchClient, checks store.QualityStore) *Deps {
	if search == nil {
		search = &adapter.MockSearch{
			Answer: "a short synthesized overview",
			Results: []adapter.SearchResult{
				{Title: "intro", URL: "https://example.com", Content: "background", Score: 0.8},
			},
		}
	}
	return &Deps{
		Chat:   chat,
		Search: search,
		Image:  &adapter.MockImage{},
		Gate:   quality.NewGate(quality.NewEvaluator(chat, 0, nil), checks, false, nil),
	}
}

func runWorkflow(t *testing.T, deps *Deps, task *store.Task) (State, *memSaver, error) {
	t.Helper()
	saver := &memSaver{}
	engine, err := BuildWorkflow(deps, WorkflowOptions{Saver: saver})
	require.NoError(t, err)
	final, err := engine.Run(context.Background(), task.ID, NewState(task))
	return final, saver, err
}

func TestWorkflowHappyPath(t *testing.T) {
	chat := routeChat(t,
		func(int) string { return draftArticle },
		func(int) string { return passEval },
	)
	checks := store.NewMemStore()
	task := &store.Task{ID: "t1", Topic: "observability", Requirements: "practical"}

	final, saver, err := runWorkflow(t, buildTestDeps(chat, nil, checks), task)
	require.NoError(t, err)

	assert.Equal(t, 0, final.TextRetryCount)
	require.NotNil(t, final.TextQualityReport)
	assert.True(t, final.TextQualityReport.Passed)
	require.Len(t, final.Images, 1)
	assert.Contains(t, final.FinalArticleContent, "![a minimalist dashboard")
	assert.NotContains(t, final.FinalArticleContent, PlaceholderPrefix)
	assert.Equal(t, []string{
		StepSearch, StepOrganize, StepWrite, StepCheckText,
		StepGenerateImage, StepCheckImage, StepPostProcess,
	}, final.StepsCompleted)
	assert.Equal(t, "a short synthesized overview", final.SearchAnswer)
	assert.Positive(t, final.TokensUsed)

	// One checkpoint per node, steps strictly increasing.
	require.Len(t, saver.steps, 7)
	for i, s := range saver.steps {
		assert.Equal(t, i+1, s.step)
	}
	assert.Equal(t, StepPostProcess, saver.steps[6].nodeID)
}

func TestWorkflowRewriteSucceedsOnRetry(t *testing.T) {
	var rewritePrompt string
	chat := routeChat(t,
		func(call int) string { return draftArticle },
		func(call int) string {
			if call == 1 {
				return failEval
			}
			return passEval
		},
	)
	// Capture the second writer prompt to verify rewrite mode.
	inner := chat.Script
	chat.Script = func(call int, messages []adapter.Message) (string, error) {
		if strings.Contains(messages[0].Content, "professional writer") && len(messages) > 1 &&
			strings.Contains(messages[1].Content, "did not pass review") {
			rewritePrompt = messages[1].Content
		}
		return inner(call, messages)
	}

	task := &store.Task{ID: "t2", Topic: "observability", Requirements: "practical"}
	final, _, err := runWorkflow(t, buildTestDeps(chat, nil, store.NewMemStore()), task)
	require.NoError(t, err)

	assert.Equal(t, 1, final.TextRetryCount)
	assert.True(t, final.TextQualityReport.Passed)
	require.NotEmpty(t, rewritePrompt, "second write should run in rewrite mode")
	assert.Contains(t, rewritePrompt, "add examples")
	assert.Contains(t, rewritePrompt, "Observability on a Budget")
}

func TestWorkflowTextBudgetExhausted(t *testing.T) {
	writes := 0
	chat := routeChat(t,
		func(call int) string { writes = call; return draftArticle },
		func(int) string { return failEval },
	)

	task := &store.Task{ID: "t3", Topic: "observability", Requirements: "practical"}
	final, saver, err := runWorkflow(t, buildTestDeps(chat, nil, store.NewMemStore()), task)

	require.Error(t, err)
	var nodeErr *flow.NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "TEXT_QUALITY_EXHAUSTED", nodeErr.Code)

	assert.Equal(t, 3, final.TextRetryCount)
	assert.Equal(t, 3, writes, "fourth write attempt must not be invoked")
	assert.NotEmpty(t, final.Error)
	// The failure checkpoint carries the last draft and the final report.
	last := saver.steps[len(saver.steps)-1]
	assert.Equal(t, StepCheckText, last.nodeID)
	assert.NotEmpty(t, last.state.ArticleContent)
	assert.False(t, last.state.TextQualityReport.Passed)
}

func TestWorkflowSearchDegrades(t *testing.T) {
	chat := routeChat(t,
		func(int) string { return draftArticle },
		func(int) string { return passEval },
	)
	deps := buildTestDeps(chat, &adapter.MockSearch{Err: adapter.NewTransientError(assert.AnError)}, store.NewMemStore())

	task := &store.Task{ID: "t4", Topic: "observability", Requirements: "practical"}
	final, _, err := runWorkflow(t, deps, task)
	require.NoError(t, err)

	assert.True(t, final.SearchDegraded)
	assert.Empty(t, final.SearchResults)
	assert.NotEmpty(t, final.FinalArticleContent)
}

func TestWorkflowHardConstraintFailureLoops(t *testing.T) {
	longDraft := draftArticle
	shortDraft := "# Short\n\ntoo short\n\n```json\n{\"image_prompts\": []}\n```"

	chat := routeChat(t,
		func(call int) string {
			if call == 1 {
				return shortDraft
			}
			return longDraft
		},
		func(int) string { return passEval },
	)
	deps := buildTestDeps(chat, nil, store.NewMemStore())

	task := &store.Task{
		ID: "t5", Topic: "observability", Requirements: "practical",
		HardConstraints: &store.HardConstraints{MinWords: 20},
	}
	final, _, err := runWorkflow(t, deps, task)
	require.NoError(t, err)

	assert.Equal(t, 1, final.TextRetryCount)
	assert.True(t, final.TextQualityReport.Passed)
}

func TestWorkflowNoImagePrompts(t *testing.T) {
	noImageDraft := "# Title\n\nA complete article without any illustrations at all.\n\nDone and dusted, with a proper closing line."
	chat := routeChat(t,
		func(int) string { return noImageDraft },
		func(int) string { return passEval },
	)
	deps := buildTestDeps(chat, nil, store.NewMemStore())
	img := deps.Image.(*adapter.MockImage)

	task := &store.Task{ID: "t6", Topic: "observability", Requirements: "practical"}
	final, _, err := runWorkflow(t, deps, task)
	require.NoError(t, err)

	assert.Empty(t, final.Images)
	assert.Zero(t, img.CallCount())
	assert.True(t, final.ImageQualityReport.Passed)
	assert.Equal(t, strings.TrimSpace(noImageDraft), final.FinalArticleContent)
}

func TestSplitDraft(t *testing.T) {
	article, prompts := splitDraft(draftArticle, "observability")
	assert.NotContains(t, article, "image_prompts")
	require.Len(t, prompts, 1)
	assert.Equal(t, "a minimalist dashboard on a single monitor", prompts[0])

	// Missing block: prompts synthesized to match markers.
	bare := "intro\n\nimage-placeholder-1\n\nimage-placeholder-2\n\nend"
	article, prompts = splitDraft(bare, "cooking")
	assert.Equal(t, bare, article)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "cooking")

	// More prompts than markers: excess dropped.
	over := "body\n\nimage-placeholder-1\n\n```json\n{\"image_prompts\": [\"a\", \"b\", \"c\"]}\n```"
	_, prompts = splitDraft(over, "x")
	assert.Equal(t, []string{"a"}, prompts)
}

func TestReplacePlaceholders(t *testing.T) {
	images := []Image{
		{URL: "https://img/1.png", Prompt: "first", LocalPath: "/data/img/1.png"},
		{URL: "https://img/2.png", Prompt: "second"},
	}

	article := "intro\n\nimage-placeholder-1\n\nmiddle\n\nimage-placeholder-2\n\nimage-placeholder-3\n\nend"
	got := ReplacePlaceholders(article, images)

	assert.Contains(t, got, "![first](/data/img/1.png)")
	assert.Contains(t, got, "![second](https://img/2.png)")
	assert.NotContains(t, got, PlaceholderPrefix)
	assert.NotContains(t, got, "\n\n\n")
}
