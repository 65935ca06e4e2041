// Package runner executes one task's workflow from claim to terminal
// status. The synchronous API path runs it inline in the request; the worker
// pool runs the same executor for every dequeued job, so claim arbitration,
// checkpoint restore, and result persistence behave identically in both
// modes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/contentflow/checkpoint"
	"github.com/dshills/contentflow/content"
	"github.com/dshills/contentflow/flow"
	"github.com/dshills/contentflow/flow/emit"
	"github.com/dshills/contentflow/quality"
	"github.com/dshills/contentflow/store"
)

// ErrClaimLost means another worker holds the task. Not a failure: the
// caller acks the job and moves on.
var ErrClaimLost = errors.New("task claimed by another worker")

// Progress reports pipeline advancement at node boundaries.
type Progress struct {
	Message    string `json:"message"`
	Percentage int    `json:"percentage"`
}

// ProgressFunc receives Progress callbacks. May be nil.
type ProgressFunc func(Progress)

// Metadata summarizes a finished run.
type Metadata struct {
	Topic          string   `json:"topic"`
	WordCount      int      `json:"word_count"`
	StepsCompleted []string `json:"steps_completed"`
	TokensUsed     int      `json:"tokens_used"`
	Cost           float64  `json:"cost"`
	DurationMS     int64    `json:"duration_ms"`
}

// Result is the executor's return value for a completed or failed run.
type Result struct {
	TaskID     string
	Status     store.Status
	Duration   time.Duration
	FinalState content.State
	Metadata   Metadata
	ErrMessage string
}

// Options carries the executor's optional observability hooks.
type Options struct {
	Emitter emit.Emitter
	Metrics *flow.Metrics
	Logger  *slog.Logger
}

// Executor runs tasks under a single worker identity. The checkpoint manager
// lives as long as the executor, so its state cache spans runs: a task this
// worker checkpointed and later resumes reloads without a snapshot decode.
type Executor struct {
	store       store.Store
	deps        *content.Deps
	workerID    string
	checkpoints *checkpoint.Manager
	emitter     emit.Emitter
	metrics     *flow.Metrics
	logger      *slog.Logger
}

// NewExecutor creates an executor bound to a worker identity.
func NewExecutor(st store.Store, deps *content.Deps, workerID string, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:       st,
		deps:        deps,
		workerID:    workerID,
		checkpoints: checkpoint.NewManager(st, workerID, logger),
		emitter:     opts.Emitter,
		metrics:     opts.Metrics,
		logger:      logger,
	}
}

// stepProgress maps checkpoint boundaries to coarse percentages.
var stepProgress = map[string]Progress{
	content.StepSearch:        {Message: "research collected", Percentage: 10},
	content.StepOrganize:      {Message: "outline organized", Percentage: 20},
	content.StepWrite:         {Message: "article drafted", Percentage: 50},
	content.StepCheckText:     {Message: "text quality checked", Percentage: 60},
	content.StepGenerateImage: {Message: "images generated", Percentage: 75},
	content.StepCheckImage:    {Message: "image quality checked", Percentage: 90},
	content.StepPostProcess:   {Message: "article assembled", Percentage: 100},
}

// progressSaver decorates the checkpoint manager's Saver with progress
// callbacks, so callers see advancement exactly at persisted boundaries.
type progressSaver struct {
	inner    flow.Saver[content.State]
	progress ProgressFunc
}

func (s progressSaver) SaveStep(ctx context.Context, runID string, step int, nodeID string, state content.State) error {
	err := s.inner.SaveStep(ctx, runID, step, nodeID, state)
	if err == nil && s.progress != nil {
		if p, ok := stepProgress[nodeID]; ok {
			s.progress(p)
		}
	}
	return err
}

// Execute claims the task, restores any checkpoint, drives the workflow to
// a terminal state, and persists results. ErrClaimLost means another worker
// owns the task; flow.ErrCancelled and flow.ErrSuperseded mean the run was
// stopped externally and the task row was left alone.
func (e *Executor) Execute(ctx context.Context, taskID string, progress ProgressFunc) (*Result, error) {
	task, err := e.store.FindByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("fetch task %s: %w", taskID, err)
	}

	ok, err := e.store.ClaimTask(ctx, taskID, e.workerID, task.Version)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !ok {
		return nil, ErrClaimLost
	}
	task, err = e.store.FindByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("refetch claimed task %s: %w", taskID, err)
	}

	mgr := e.checkpoints
	state, resumeAt, err := mgr.Restore(task)
	if err != nil {
		return nil, err
	}
	e.logger.Info("task run starting",
		"task_id", taskID, "worker", e.workerID, "detail", checkpoint.Describe(state, resumeAt))

	started := time.Now()
	if resumeAt == "" {
		// The snapshot already covers the whole pipeline; only the terminal
		// bookkeeping is missing.
		return e.finishSuccess(ctx, taskID, state, time.Since(started), progress)
	}

	engine, err := content.BuildWorkflow(e.deps, content.WorkflowOptions{
		Saver:   progressSaver{inner: mgr, progress: progress},
		Gate:    mgr,
		Emitter: e.emitter,
		Metrics: e.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build workflow: %w", err)
	}

	final, runErr := engine.RunFrom(ctx, taskID, resumeAt, state, checkpoint.StepOffset(state))
	elapsed := time.Since(started)

	switch {
	case runErr == nil:
		return e.finishSuccess(ctx, taskID, final, elapsed, progress)

	case errors.Is(runErr, flow.ErrCancelled), errors.Is(runErr, flow.ErrSuperseded):
		e.logger.Info("task run stopped externally", "task_id", taskID, "reason", runErr)
		return nil, runErr

	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		// Shutting down mid-run: put the task back so another worker can
		// resume from the last checkpoint.
		e.release(taskID)
		return nil, runErr

	default:
		return e.finishFailure(ctx, taskID, final, elapsed, runErr)
	}
}

// finishSuccess writes result rows and flips the task to completed.
func (e *Executor) finishSuccess(ctx context.Context, taskID string, state content.State, elapsed time.Duration, progress ProgressFunc) (*Result, error) {
	meta := buildMetadata(state, elapsed)

	if state.ArticleContent != "" {
		e.saveResult(ctx, &store.Result{
			TaskID:  taskID,
			Type:    store.ResultArticle,
			Content: state.ArticleContent,
			Metadata: map[string]interface{}{
				"word_count": quality.CountWords(state.ArticleContent),
			},
		})
	}
	for _, img := range state.Images {
		e.saveResult(ctx, &store.Result{
			TaskID:   taskID,
			Type:     store.ResultImage,
			Content:  img.URL,
			FilePath: img.LocalPath,
			Metadata: map[string]interface{}{
				"prompt": img.Prompt,
				"width":  img.Width,
				"height": img.Height,
				"format": img.Format,
			},
		})
	}
	if state.FinalArticleContent != "" {
		e.saveResult(ctx, &store.Result{
			TaskID:  taskID,
			Type:    store.ResultFinalArticle,
			Content: state.FinalArticleContent,
			Metadata: map[string]interface{}{
				"word_count":      meta.WordCount,
				"steps_completed": state.StepsCompleted,
				"tokens_used":     state.TokensUsed,
				"cost":            state.Cost,
			},
		})
	}

	if err := e.mutateTerminal(ctx, taskID, func(v int64) (bool, error) {
		return e.store.MarkCompleted(ctx, taskID, v)
	}); err != nil {
		return nil, err
	}
	e.checkpoints.Forget(taskID)
	if progress != nil {
		progress(Progress{Message: "completed", Percentage: 100})
	}
	e.logger.Info("task completed",
		"task_id", taskID, "duration", elapsed, "tokens", state.TokensUsed, "cost", state.Cost)

	return &Result{
		TaskID:     taskID,
		Status:     store.StatusCompleted,
		Duration:   elapsed,
		FinalState: state,
		Metadata:   meta,
	}, nil
}

// finishFailure records partial content, marks the task failed, and returns
// both the run error and a Result describing what survived.
func (e *Executor) finishFailure(ctx context.Context, taskID string, state content.State, elapsed time.Duration, runErr error) (*Result, error) {
	msg := runErr.Error()
	if state.Error != "" {
		msg = state.Error
	}

	if state.ArticleContent != "" {
		e.saveResult(ctx, &store.Result{
			TaskID:  taskID,
			Type:    store.ResultArticle,
			Content: state.ArticleContent,
			Metadata: map[string]interface{}{
				"partial":    true,
				"word_count": quality.CountWords(state.ArticleContent),
			},
		})
	}

	if err := e.mutateTerminal(ctx, taskID, func(v int64) (bool, error) {
		return e.store.MarkFailed(ctx, taskID, msg, v)
	}); err != nil {
		return nil, err
	}
	e.checkpoints.Forget(taskID)
	e.logger.Warn("task failed", "task_id", taskID, "duration", elapsed, "error", msg)

	return &Result{
		TaskID:     taskID,
		Status:     store.StatusFailed,
		Duration:   elapsed,
		FinalState: state,
		Metadata:   buildMetadata(state, elapsed),
		ErrMessage: msg,
	}, runErr
}

// mutateTerminal applies a terminal transition, refetching on version
// conflict. ErrClaimLost surfaces when the row slipped away entirely.
func (e *Executor) mutateTerminal(ctx context.Context, taskID string, fn func(v int64) (bool, error)) error {
	for attempt := 0; attempt < 3; attempt++ {
		task, err := e.store.FindByID(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return nil
		}
		ok, err := fn(task.Version)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrClaimLost
}

func (e *Executor) saveResult(ctx context.Context, r *store.Result) {
	if err := e.store.CreateResult(ctx, r); err != nil {
		e.logger.Error("result write failed", "task_id", r.TaskID, "type", r.Type, "error", err)
	}
}

// release returns a claimed task to pending on shutdown, best-effort.
func (e *Executor) release(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := e.store.FindByID(ctx, taskID)
	if err != nil {
		return
	}
	if _, err := e.store.ReleaseWorker(ctx, taskID, e.workerID, task.Version); err != nil {
		e.logger.Warn("release on shutdown failed", "task_id", taskID, "error", err)
	}
}

func buildMetadata(state content.State, elapsed time.Duration) Metadata {
	text := state.FinalArticleContent
	if text == "" {
		text = state.ArticleContent
	}
	return Metadata{
		Topic:          state.Topic,
		WordCount:      quality.CountWords(text),
		StepsCompleted: state.StepsCompleted,
		TokensUsed:     state.TokensUsed,
		Cost:           state.Cost,
		DurationMS:     elapsed.Milliseconds(),
	}
}
