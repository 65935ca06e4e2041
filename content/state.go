// Package content defines the article-production workflow: its state record,
// the pipeline nodes, and the graph wiring that routes drafts through the
// quality gates.
package content

import (
	"encoding/json"
	"time"

	"github.com/dshills/contentflow/adapter"
	"github.com/dshills/contentflow/quality"
	"github.com/dshills/contentflow/store"
)

// OrganizedInfo is the structured outline produced from search results.
type OrganizedInfo struct {
	Outline   string   `json:"outline"`
	KeyPoints []string `json:"key_points"`
	Summary   string   `json:"summary"`
}

// Image describes one generated illustration. LocalPath is empty when the
// download failed; the remote URL stays usable.
type Image struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path,omitempty"`
	Prompt    string `json:"prompt"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format,omitempty"`
}

// Report is the serializable form of a gate verdict carried in state.
type Report struct {
	Passed                bool     `json:"passed"`
	Score                 float64  `json:"score"`
	HardConstraintsPassed bool     `json:"hard_constraints_passed"`
	Reason                string   `json:"reason,omitempty"`
	FixSuggestions        []string `json:"fix_suggestions,omitempty"`
}

func reportFromVerdict(v quality.Verdict) *Report {
	return &Report{
		Passed:                v.Passed,
		Score:                 v.Score,
		HardConstraintsPassed: v.HardConstraintsPassed,
		Reason:                v.Reason,
		FixSuggestions:        v.FixSuggestions,
	}
}

// State is the workflow's additive record. Nodes return deltas; the reducer
// folds each delta into the accumulated state, so a field set by an earlier
// node survives unless a later node overwrites it.
type State struct {
	// Request, fixed at task creation.
	TaskID          string                 `json:"task_id"`
	Mode            store.Mode             `json:"mode"`
	Topic           string                 `json:"topic"`
	Requirements    string                 `json:"requirements"`
	TargetAudience  string                 `json:"target_audience,omitempty"`
	Keywords        []string               `json:"keywords,omitempty"`
	Tone            string                 `json:"tone,omitempty"`
	HardConstraints *store.HardConstraints `json:"hard_constraints,omitempty"`
	ImageSize       string                 `json:"image_size,omitempty"`

	// Intermediate products.
	SearchResults       []adapter.SearchResult `json:"search_results,omitempty"`
	SearchAnswer        string                 `json:"search_answer,omitempty"`
	SearchDegraded      bool                   `json:"search_degraded,omitempty"`
	OrganizedInfo       *OrganizedInfo         `json:"organized_info,omitempty"`
	ArticleContent      string                 `json:"article_content,omitempty"`
	ImagePrompts        []string               `json:"image_prompts,omitempty"`
	Images              []Image                `json:"images,omitempty"`
	FinalArticleContent string                 `json:"final_article_content,omitempty"`

	// Verdicts.
	TextQualityReport  *Report `json:"text_quality_report,omitempty"`
	ImageQualityReport *Report `json:"image_quality_report,omitempty"`

	// Control.
	CurrentStep     string    `json:"current_step,omitempty"`
	TextRetryCount  int       `json:"text_retry_count"`
	ImageRetryCount int       `json:"image_retry_count"`
	PreviousContent string    `json:"previous_content,omitempty"`
	StartTime       time.Time `json:"start_time,omitempty"`
	Error           string    `json:"error,omitempty"`

	// Accounting, accumulated across nodes.
	TokensUsed     int      `json:"tokens_used"`
	Cost           float64  `json:"cost"`
	StepsCompleted []string `json:"steps_completed,omitempty"`
}

// NewState seeds a workflow state from a task row.
func NewState(task *store.Task) State {
	return State{
		TaskID:          task.ID,
		Mode:            task.Mode,
		Topic:           task.Topic,
		Requirements:    task.Requirements,
		TargetAudience:  task.TargetAudience,
		Keywords:        task.Keywords,
		Tone:            task.Tone,
		HardConstraints: task.HardConstraints,
		ImageSize:       task.ImageSize,
		TextRetryCount:  task.TextRetryCount,
		ImageRetryCount: task.ImageRetryCount,
		StartTime:       time.Now().UTC(),
	}
}

// Reduce folds a node's delta into the accumulated state. Scalars override
// when set, retry counters only move forward, and the accounting fields
// accumulate.
func Reduce(prev, delta State) State {
	out := prev

	if delta.TaskID != "" {
		out.TaskID = delta.TaskID
	}
	if delta.Topic != "" {
		out.Topic = delta.Topic
	}
	if delta.Requirements != "" {
		out.Requirements = delta.Requirements
	}
	if len(delta.SearchResults) > 0 {
		out.SearchResults = delta.SearchResults
	}
	if delta.SearchAnswer != "" {
		out.SearchAnswer = delta.SearchAnswer
	}
	if delta.SearchDegraded {
		out.SearchDegraded = true
	}
	if delta.OrganizedInfo != nil {
		out.OrganizedInfo = delta.OrganizedInfo
	}
	if delta.ArticleContent != "" {
		out.ArticleContent = delta.ArticleContent
	}
	if len(delta.ImagePrompts) > 0 {
		out.ImagePrompts = delta.ImagePrompts
	}
	if len(delta.Images) > 0 {
		out.Images = delta.Images
	}
	if delta.FinalArticleContent != "" {
		out.FinalArticleContent = delta.FinalArticleContent
	}
	if delta.TextQualityReport != nil {
		out.TextQualityReport = delta.TextQualityReport
	}
	if delta.ImageQualityReport != nil {
		out.ImageQualityReport = delta.ImageQualityReport
	}
	if delta.CurrentStep != "" {
		out.CurrentStep = delta.CurrentStep
	}
	if delta.TextRetryCount > out.TextRetryCount {
		out.TextRetryCount = delta.TextRetryCount
	}
	if delta.ImageRetryCount > out.ImageRetryCount {
		out.ImageRetryCount = delta.ImageRetryCount
	}
	if delta.PreviousContent != "" {
		out.PreviousContent = delta.PreviousContent
	}
	if delta.Error != "" {
		out.Error = delta.Error
	}

	out.TokensUsed += delta.TokensUsed
	out.Cost += delta.Cost
	out.StepsCompleted = append(out.StepsCompleted, delta.StepsCompleted...)

	return out
}

// Marshal serializes the state for a checkpoint snapshot.
func Marshal(s State) ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal restores a state from a checkpoint snapshot.
func Unmarshal(data []byte) (State, error) {
	var s State
	err := json.Unmarshal(data, &s)
	return s, err
}

// taskView projects the request fields the quality gate reads.
func (s State) taskView() *store.Task {
	return &store.Task{
		ID:              s.TaskID,
		Topic:           s.Topic,
		Requirements:    s.Requirements,
		HardConstraints: s.HardConstraints,
	}
}
