package content

import (
	"fmt"
	"time"

	"github.com/dshills/contentflow/adapter"
	"github.com/dshills/contentflow/flow"
	"github.com/dshills/contentflow/flow/emit"
)

// Per-node deadlines. The writer gets the longest budget; post-process is a
// pure transform and gets almost none.
const (
	searchTimeout      = 30 * time.Second
	organizeTimeout    = 150 * time.Second
	writeTimeout       = 240 * time.Second
	checkTextTimeout   = 180 * time.Second
	genImageTimeout    = 180 * time.Second
	checkImageTimeout  = 150 * time.Second
	postProcessTimeout = 30 * time.Second
)

// maxWorkflowSteps caps runaway routing. The longest legal run is seven
// stages plus both rewrite loops at full budget, well under this.
const maxWorkflowSteps = 50

// WorkflowOptions wires the engine's persistence and observability hooks.
type WorkflowOptions struct {
	Saver    flow.Saver[State]
	Gate     flow.Gate
	Emitter  emit.Emitter
	Metrics  *flow.Metrics
	MaxSteps int
}

// BuildWorkflow assembles the article pipeline:
//
//	search -> organize -> write -> check_text -> generate_image -> check_image -> post_process
//
// with two rewrite loops: check_text routes back to write on a soft text
// failure, and check_image back to generate_image on an image failure, each
// bounded by the retry budget. Budget exhaustion surfaces as a node error
// from the check nodes, so edges only ever see retryable failures.
func BuildWorkflow(deps *Deps, opts WorkflowOptions) (*flow.Engine[State], error) {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = maxWorkflowSteps
	}

	engine := flow.New[State](Reduce, opts.Saver, flow.Options{
		MaxSteps:           maxSteps,
		DefaultNodeTimeout: writeTimeout,
	})
	if opts.Gate != nil {
		engine.WithGate(opts.Gate)
	}
	if opts.Emitter != nil {
		engine.WithEmitter(opts.Emitter)
	}
	if opts.Metrics != nil {
		engine.WithMetrics(opts.Metrics)
	}

	nodes := []struct {
		id     string
		node   flow.Node[State]
		policy flow.NodePolicy
	}{
		{StepSearch, searchNode(deps), flow.NodePolicy{Timeout: searchTimeout}},
		{StepOrganize, organizeNode(deps), flow.NodePolicy{
			Timeout: organizeTimeout,
			Retry:   transientRetry(2),
		}},
		{StepWrite, writeNode(deps), flow.NodePolicy{
			Timeout: writeTimeout,
			Retry:   transientRetry(2),
		}},
		{StepCheckText, checkTextNode(deps), flow.NodePolicy{Timeout: checkTextTimeout}},
		{StepGenerateImage, generateImageNode(deps), flow.NodePolicy{
			Timeout: genImageTimeout,
			Retry:   transientRetry(2),
		}},
		{StepCheckImage, checkImageNode(deps), flow.NodePolicy{Timeout: checkImageTimeout}},
		{StepPostProcess, postProcessNode(deps), flow.NodePolicy{Timeout: postProcessTimeout}},
	}
	for _, n := range nodes {
		if err := engine.Add(n.id, n.node); err != nil {
			return nil, fmt.Errorf("add node %s: %w", n.id, err)
		}
		if err := engine.SetPolicy(n.id, n.policy); err != nil {
			return nil, fmt.Errorf("set policy %s: %w", n.id, err)
		}
	}

	edges := []struct {
		from, to string
		when     flow.Predicate[State]
	}{
		{StepSearch, StepOrganize, always},
		{StepOrganize, StepWrite, always},
		{StepWrite, StepCheckText, always},
		{StepCheckText, StepGenerateImage, func(s State) bool {
			return s.TextQualityReport != nil && s.TextQualityReport.Passed
		}},
		{StepCheckText, StepWrite, func(s State) bool {
			return s.TextQualityReport != nil && !s.TextQualityReport.Passed
		}},
		{StepGenerateImage, StepCheckImage, always},
		{StepCheckImage, StepPostProcess, func(s State) bool {
			return s.ImageQualityReport != nil && s.ImageQualityReport.Passed
		}},
		{StepCheckImage, StepGenerateImage, func(s State) bool {
			return s.ImageQualityReport != nil && !s.ImageQualityReport.Passed
		}},
	}
	for _, e := range edges {
		if err := engine.Connect(e.from, e.to, e.when); err != nil {
			return nil, fmt.Errorf("connect %s -> %s: %w", e.from, e.to, err)
		}
	}

	if err := engine.StartAt(StepSearch); err != nil {
		return nil, err
	}
	return engine, nil
}

func always(State) bool { return true }

// ResumeNode returns the node a restored run should enter, given that
// checkpoints are written after each node completes. An empty string means
// the pipeline already finished. The mapping mirrors the edge predicates.
func ResumeNode(s State) string {
	switch s.CurrentStep {
	case "":
		return StepSearch
	case StepSearch:
		return StepOrganize
	case StepOrganize:
		return StepWrite
	case StepWrite:
		return StepCheckText
	case StepCheckText:
		if s.TextQualityReport != nil && s.TextQualityReport.Passed {
			return StepGenerateImage
		}
		return StepWrite
	case StepGenerateImage:
		return StepCheckImage
	case StepCheckImage:
		if s.ImageQualityReport != nil && s.ImageQualityReport.Passed {
			return StepPostProcess
		}
		return StepGenerateImage
	case StepPostProcess:
		return ""
	default:
		return StepSearch
	}
}

func transientRetry(attempts int) *flow.RetryPolicy {
	return &flow.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Retryable:   adapter.IsTransient,
	}
}
