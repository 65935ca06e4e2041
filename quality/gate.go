package quality

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dshills/contentflow/adapter"
	"github.com/dshills/contentflow/store"
)

// Verdict is the gate's combined decision on a piece of content.
type Verdict struct {
	Passed                bool
	Score                 float64
	HardConstraintsPassed bool
	Reason                string
	FixSuggestions        []string
	Details               map[string]interface{}
	TokensUsed            int
	Cost                  float64
}

// Gate applies the two-tier check: deterministic hard rules first, then the
// rubric evaluator. Hard failure short-circuits with score 0; the evaluator
// never runs on content that already broke a constraint. Every verdict is
// recorded in the quality store.
type Gate struct {
	evaluator *Evaluator
	checks    store.QualityStore
	forcePass bool
	logger    *slog.Logger
}

// NewGate creates a gate. forcePass skips the evaluator verdict (hard rules
// still apply); it exists for offline development and load tests, never for
// production traffic.
func NewGate(evaluator *Evaluator, checks store.QualityStore, forcePass bool, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{evaluator: evaluator, checks: checks, forcePass: forcePass, logger: logger}
}

// CheckText gates an article draft for the given task.
func (g *Gate) CheckText(ctx context.Context, task *store.Task, article string) (Verdict, error) {
	hard := CheckHardConstraints(article, task.HardConstraints)
	if !hard.Passed {
		v := Verdict{
			Passed:                false,
			Score:                 0,
			HardConstraintsPassed: false,
			Reason:                "hard constraints violated",
			FixSuggestions:        hard.Suggestions,
			Details:               hardDetails(hard),
		}
		return v, g.record(ctx, task.ID, store.CheckText, v, "")
	}

	if g.forcePass {
		v := Verdict{
			Passed:                true,
			Score:                 g.passThreshold(),
			HardConstraintsPassed: true,
			Reason:                "forced pass",
			Details:               hardDetails(hard),
		}
		return v, g.record(ctx, task.ID, store.CheckText, v, "")
	}

	eval, err := g.evaluator.Evaluate(ctx, task.Topic, task.Requirements, article)
	if err != nil {
		return Verdict{}, err
	}

	details := hardDetails(hard)
	details["relevance"] = eval.Scores.Relevance
	details["coherence"] = eval.Scores.Coherence
	details["completeness"] = eval.Scores.Completeness
	details["readability"] = eval.Scores.Readability

	v := Verdict{
		Passed:                eval.Passed,
		Score:                 eval.Overall,
		HardConstraintsPassed: true,
		Reason:                eval.Reason,
		FixSuggestions:        eval.FixSuggestions,
		Details:               details,
		TokensUsed:            eval.TokensUsed,
		Cost:                  eval.Cost,
	}
	return v, g.record(ctx, task.ID, store.CheckText, v, eval.ModelName)
}

// CheckImage gates a generated image. The rules are deterministic: the
// provider must have returned a URL and the rendered size must parse and
// meet the pixel floor.
func (g *Gate) CheckImage(ctx context.Context, task *store.Task, img adapter.ImageOut) (Verdict, error) {
	v := Verdict{Passed: true, Score: 10, HardConstraintsPassed: true, Details: map[string]interface{}{
		"url":  img.URL,
		"size": img.Size,
	}}

	if img.URL == "" {
		v.Passed = false
		v.Score = 0
		v.HardConstraintsPassed = false
		v.Reason = "image provider returned no URL"
		v.FixSuggestions = append(v.FixSuggestions, "regenerate the image")
	} else if w, h, err := adapter.ParseImageSize(img.Size); err != nil || w*h < 3686400 {
		v.Passed = false
		v.Score = 0
		v.HardConstraintsPassed = false
		v.Reason = fmt.Sprintf("image size %s below the minimum resolution", img.Size)
		v.FixSuggestions = append(v.FixSuggestions, "regenerate at a preset resolution")
	}

	return v, g.record(ctx, task.ID, store.CheckImage, v, "")
}

func (g *Gate) passThreshold() float64 {
	if g.evaluator == nil {
		return DefaultPassThreshold
	}
	return g.evaluator.PassThreshold()
}

// record persists the verdict. Quality history is advisory, so a write
// failure is logged and swallowed rather than failing the gate.
func (g *Gate) record(ctx context.Context, taskID string, kind store.CheckKind, v Verdict, modelName string) error {
	if g.checks == nil {
		return nil
	}
	check := &store.QualityCheck{
		TaskID:                taskID,
		Kind:                  kind,
		Score:                 v.Score,
		Passed:                v.Passed,
		HardConstraintsPassed: v.HardConstraintsPassed,
		Details:               v.Details,
		FixSuggestions:        v.FixSuggestions,
		RubricVersion:         RubricVersion,
		ModelName:             modelName,
	}
	if v.Reason != "" {
		if check.Details == nil {
			check.Details = map[string]interface{}{}
		}
		check.Details["reason"] = v.Reason
	}
	if err := g.checks.CreateQualityCheck(ctx, check); err != nil {
		g.logger.Warn("failed to record quality check", "task_id", taskID, "kind", kind, "error", err)
	}
	return nil
}

func hardDetails(hard HardReport) map[string]interface{} {
	details := map[string]interface{}{
		"word_count": hard.WordCount,
	}
	var failed []string
	for _, r := range hard.Results {
		if !r.Passed {
			failed = append(failed, r.Rule)
		}
	}
	if len(failed) > 0 {
		details["failed_rules"] = failed
	}
	return details
}
