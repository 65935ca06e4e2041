package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dshills/contentflow/adapter"
)

// RubricVersion identifies the scoring rubric baked into the evaluator
// prompt. Stored with every check so scores stay comparable over time.
const RubricVersion = "v1"

// DefaultPassThreshold is the minimum weighted score for a soft pass when no
// threshold is configured. Deployments tune it per environment; test profiles
// typically run looser.
const DefaultPassThreshold = 7.0

// Dimension weights. Relevance and coherence dominate; completeness and
// readability split the rest.
const (
	weightRelevance    = 0.3
	weightCoherence    = 0.3
	weightCompleteness = 0.2
	weightReadability  = 0.2
)

// Scores holds the per-dimension rubric scores on a 0-10 scale.
type Scores struct {
	Relevance    float64 `json:"relevance"`
	Coherence    float64 `json:"coherence"`
	Completeness float64 `json:"completeness"`
	Readability  float64 `json:"readability"`
}

// Weighted computes the overall score, clamping each dimension to [0, 10]
// first so a misbehaving model cannot push the total out of range.
func (s Scores) Weighted() float64 {
	return clamp(s.Relevance)*weightRelevance +
		clamp(s.Coherence)*weightCoherence +
		clamp(s.Completeness)*weightCompleteness +
		clamp(s.Readability)*weightReadability
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// Evaluation is the evaluator's verdict on one article draft.
type Evaluation struct {
	Scores         Scores
	Overall        float64
	Passed         bool
	Reason         string
	FixSuggestions []string
	ModelName      string
	TokensUsed     int
	Cost           float64
}

// Evaluator scores article drafts against the rubric using a chat model.
type Evaluator struct {
	chat      adapter.ChatClient
	threshold float64
	logger    *slog.Logger
}

// NewEvaluator creates an evaluator. A non-positive passThreshold falls back
// to DefaultPassThreshold; a nil logger uses slog.Default.
func NewEvaluator(chat adapter.ChatClient, passThreshold float64, logger *slog.Logger) *Evaluator {
	if passThreshold <= 0 {
		passThreshold = DefaultPassThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{chat: chat, threshold: passThreshold, logger: logger}
}

// PassThreshold reports the minimum weighted score this evaluator passes.
func (e *Evaluator) PassThreshold() float64 {
	return e.threshold
}

type evaluatorResponse struct {
	Relevance      float64  `json:"relevance"`
	Coherence      float64  `json:"coherence"`
	Completeness   float64  `json:"completeness"`
	Readability    float64  `json:"readability"`
	Reason         string   `json:"reason"`
	FixSuggestions []string `json:"fix_suggestions"`
}

// Evaluate scores the article. An evaluator outage never passes content: on
// chat failure or an unparseable response the verdict is a zero-score fail
// with the reason recorded, and the rewrite loop takes it from there.
func (e *Evaluator) Evaluate(ctx context.Context, topic, requirements, article string) (Evaluation, error) {
	prompt := buildEvaluatorPrompt(topic, requirements, article)
	out, err := e.chat.Chat(ctx, []adapter.Message{
		{Role: adapter.RoleSystem, Content: evaluatorSystemPrompt},
		{Role: adapter.RoleUser, Content: prompt},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Evaluation{}, ctx.Err()
		}
		e.logger.Warn("evaluator call failed", "error", err)
		return Evaluation{
			Passed: false,
			Reason: "evaluator unavailable",
		}, nil
	}

	raw := ExtractJSON(out.Text)
	if raw == "" {
		e.logger.Warn("evaluator returned no JSON", "model", out.Model)
		return Evaluation{
			Passed:     false,
			Reason:     "evaluator response unparseable",
			ModelName:  out.Model,
			TokensUsed: out.TotalTokens(),
			Cost:       out.Cost,
		}, nil
	}

	var parsed evaluatorResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		e.logger.Warn("evaluator JSON malformed", "error", err)
		return Evaluation{
			Passed:     false,
			Reason:     "evaluator response unparseable",
			ModelName:  out.Model,
			TokensUsed: out.TotalTokens(),
			Cost:       out.Cost,
		}, nil
	}

	scores := Scores{
		Relevance:    parsed.Relevance,
		Coherence:    parsed.Coherence,
		Completeness: parsed.Completeness,
		Readability:  parsed.Readability,
	}
	overall := scores.Weighted()
	return Evaluation{
		Scores:         scores,
		Overall:        overall,
		Passed:         overall >= e.threshold,
		Reason:         parsed.Reason,
		FixSuggestions: parsed.FixSuggestions,
		ModelName:      out.Model,
		TokensUsed:     out.TotalTokens(),
		Cost:           out.Cost,
	}, nil
}

const evaluatorSystemPrompt = `You are a strict editorial reviewer. Score articles on a 0-10 scale per dimension and respond with JSON only.`

func buildEvaluatorPrompt(topic, requirements, article string) string {
	var sb strings.Builder
	sb.WriteString("Score the article below against the request.\n\n")
	fmt.Fprintf(&sb, "Topic: %s\n", topic)
	fmt.Fprintf(&sb, "Requirements: %s\n\n", requirements)
	sb.WriteString(`Respond with JSON in exactly this shape:
{
  "relevance": 0-10,
  "coherence": 0-10,
  "completeness": 0-10,
  "readability": 0-10,
  "reason": "one sentence verdict",
  "fix_suggestions": ["specific, actionable fixes"]
}

relevance: does it address the topic and requirements?
coherence: does the argument flow logically?
completeness: does it cover the subject adequately?
readability: is the prose clear for the target audience?

Article:
---
`)
	sb.WriteString(article)
	sb.WriteString("\n---\nRespond with the JSON object only.")
	return sb.String()
}
