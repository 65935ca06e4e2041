package content

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/dshills/contentflow/adapter"
	"github.com/dshills/contentflow/flow"
	"github.com/dshills/contentflow/quality"
)

// Node identifiers, also used as current_step values on the task row.
const (
	StepSearch        = "search"
	StepOrganize      = "organize"
	StepWrite         = "write"
	StepCheckText     = "check_text"
	StepGenerateImage = "generate_image"
	StepCheckImage    = "check_image"
	StepPostProcess   = "post_process"
)

// DefaultMaxRetries bounds both rewrite loops.
const DefaultMaxRetries = 3

// Deps bundles everything the pipeline nodes call out to.
type Deps struct {
	Chat       adapter.ChatClient
	Search     adapter.SearchClient
	Image      adapter.ImageClient
	Gate       *quality.Gate
	HTTPClient *http.Client
	// ImageDir is where downloads land; empty disables downloading.
	ImageDir   string
	MaxRetries int
	Logger     *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deps) maxRetries() int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return DefaultMaxRetries
}

var placeholderPattern = regexp.MustCompile(regexp.QuoteMeta(PlaceholderPrefix) + `(\d+)`)

// searchNode gathers background material. A failed search degrades to an
// empty result set; the pipeline continues on general knowledge.
func searchNode(deps *Deps) flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		out, err := deps.Search.Search(ctx, s.Topic, 5)
		if err != nil {
			if ctx.Err() != nil {
				return flow.NodeResult[State]{Err: ctx.Err()}
			}
			deps.logger().Warn("search degraded to empty results",
				"task_id", s.TaskID, "error", err)
			return flow.NodeResult[State]{Delta: State{
				SearchDegraded: true,
				CurrentStep:    StepSearch,
				StepsCompleted: []string{StepSearch},
			}}
		}
		return flow.NodeResult[State]{Delta: State{
			SearchResults:  out.Results,
			SearchAnswer:   out.Answer,
			CurrentStep:    StepSearch,
			StepsCompleted: []string{StepSearch},
		}}
	}
}

// organizeNode distills search material into an outline. An unparseable
// response is a retryable node error; the engine's transparent retry gives
// the model one more attempt before the task fails.
func organizeNode(deps *Deps) flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		out, err := deps.Chat.Chat(ctx, []adapter.Message{
			{Role: adapter.RoleSystem, Content: organizeSystemPrompt},
			{Role: adapter.RoleUser, Content: buildOrganizePrompt(s.Topic, s.Requirements, s.SearchAnswer, s.SearchResults)},
		})
		if err != nil {
			return flow.NodeResult[State]{Err: err}
		}

		delta := State{
			CurrentStep:    StepOrganize,
			StepsCompleted: []string{StepOrganize},
			TokensUsed:     out.TotalTokens(),
			Cost:           out.Cost,
		}

		raw := quality.ExtractJSON(out.Text)
		var info OrganizedInfo
		if raw == "" || json.Unmarshal([]byte(raw), &info) != nil || info.Outline == "" {
			return flow.NodeResult[State]{
				Delta: delta,
				Err: adapter.NewTransientError(&flow.NodeError{
					Message: "organizer response did not parse into an outline",
					Code:    "ORGANIZE_PARSE",
					NodeID:  StepOrganize,
				}),
			}
		}

		delta.OrganizedInfo = &info
		return flow.NodeResult[State]{Delta: delta}
	}
}

// writeNode drafts the article, or rewrites it when a failed text report and
// previous draft are present.
func writeNode(deps *Deps) flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		rewrite := s.PreviousContent != "" && s.TextQualityReport != nil && !s.TextQualityReport.Passed

		var prompt string
		if rewrite {
			prompt = buildRewritePrompt(s)
		} else {
			prompt = buildWritePrompt(s)
		}

		out, err := deps.Chat.Chat(ctx, []adapter.Message{
			{Role: adapter.RoleSystem, Content: writerSystemPrompt},
			{Role: adapter.RoleUser, Content: prompt},
		})
		if err != nil {
			return flow.NodeResult[State]{Err: err}
		}

		article, prompts := splitDraft(out.Text, s.Topic)
		return flow.NodeResult[State]{Delta: State{
			ArticleContent: article,
			ImagePrompts:   prompts,
			CurrentStep:    StepWrite,
			StepsCompleted: []string{StepWrite},
			TokensUsed:     out.TotalTokens(),
			Cost:           out.Cost,
		}}
	}
}

// splitDraft separates the article body from the trailing image_prompts
// block and reconciles the prompt list with the placeholder markers. When
// the writer omits or garbles the block, prompts are synthesized so every
// marker still gets an image.
func splitDraft(text, topic string) (string, []string) {
	article := text
	var prompts []string

	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		if open := strings.LastIndex(text[:idx], "```"); open >= 0 {
			block := text[open:]
			if raw := quality.ExtractJSON(block); raw != "" {
				var parsed struct {
					ImagePrompts []string `json:"image_prompts"`
				}
				if json.Unmarshal([]byte(raw), &parsed) == nil && parsed.ImagePrompts != nil {
					article = strings.TrimSpace(text[:open])
					prompts = parsed.ImagePrompts
				}
			}
		}
	}

	markers := placeholderPattern.FindAllString(article, -1)
	for len(prompts) < len(markers) {
		prompts = append(prompts, fmt.Sprintf("Editorial illustration %d for an article about %s", len(prompts)+1, topic))
	}
	if len(prompts) > len(markers) {
		prompts = prompts[:len(markers)]
	}
	return article, prompts
}

// checkTextNode runs the two-tier gate on the draft. A soft failure burns
// one rewrite credit and stages the draft as previous_content; an exhausted
// budget is a terminal node error. The verdict delta is merged either way so
// the failure checkpoint records the final report.
func checkTextNode(deps *Deps) flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		verdict, err := deps.Gate.CheckText(ctx, s.taskView(), s.ArticleContent)
		if err != nil {
			return flow.NodeResult[State]{Err: err}
		}

		delta := State{
			TextQualityReport: reportFromVerdict(verdict),
			CurrentStep:       StepCheckText,
			StepsCompleted:    []string{StepCheckText},
			TokensUsed:        verdict.TokensUsed,
			Cost:              verdict.Cost,
		}
		if verdict.Passed {
			return flow.NodeResult[State]{Delta: delta}
		}

		delta.TextRetryCount = s.TextRetryCount + 1
		delta.PreviousContent = s.ArticleContent

		if delta.TextRetryCount >= deps.maxRetries() {
			msg := fmt.Sprintf("text quality below threshold after %d rewrites (score %.1f): %s",
				delta.TextRetryCount, verdict.Score, verdict.Reason)
			delta.Error = msg
			return flow.NodeResult[State]{
				Delta: delta,
				Err:   &flow.NodeError{Message: msg, Code: "TEXT_QUALITY_EXHAUSTED", NodeID: StepCheckText},
			}
		}
		return flow.NodeResult[State]{Delta: delta}
	}
}

// generateImageNode renders one image per prompt. Download failures are
// per-image and tolerable; a generation failure fails the node and falls to
// the engine's transparent retry.
func generateImageNode(deps *Deps) flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		delta := State{
			CurrentStep:    StepGenerateImage,
			StepsCompleted: []string{StepGenerateImage},
		}
		if len(s.ImagePrompts) == 0 {
			return flow.NodeResult[State]{Delta: delta}
		}

		size := s.ImageSize
		if size == "" {
			size = adapter.DefaultImageSize
		}

		images := make([]Image, 0, len(s.ImagePrompts))
		for i, prompt := range s.ImagePrompts {
			out, err := deps.Image.Generate(ctx, prompt, size)
			if err != nil {
				return flow.NodeResult[State]{Delta: delta, Err: err}
			}
			img := Image{URL: out.URL, Prompt: prompt, Format: "png"}
			if w, h, err := adapter.ParseImageSize(out.Size); err == nil {
				img.Width, img.Height = w, h
			}
			if deps.ImageDir != "" {
				name := fmt.Sprintf("%s-%d.png", s.TaskID, i+1)
				path, err := adapter.DownloadImage(ctx, deps.HTTPClient, out.URL, deps.ImageDir, name)
				if err != nil {
					deps.logger().Warn("image download failed, keeping remote URL",
						"task_id", s.TaskID, "url", out.URL, "error", err)
				} else {
					img.LocalPath = path
				}
			}
			images = append(images, img)
		}

		delta.Images = images
		return flow.NodeResult[State]{Delta: delta}
	}
}

// checkImageNode gates the generated images. An empty image list passes;
// the article simply ships without illustrations. Budget exhaustion is
// terminal, symmetric to the text loop.
func checkImageNode(deps *Deps) flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		delta := State{
			CurrentStep:    StepCheckImage,
			StepsCompleted: []string{StepCheckImage},
		}
		if len(s.Images) == 0 {
			delta.ImageQualityReport = &Report{Passed: true, Score: 10, HardConstraintsPassed: true}
			return flow.NodeResult[State]{Delta: delta}
		}

		combined := Report{Passed: true, Score: 10, HardConstraintsPassed: true}
		for _, img := range s.Images {
			verdict, err := deps.Gate.CheckImage(ctx, s.taskView(), adapter.ImageOut{
				URL:  img.URL,
				Size: fmt.Sprintf("%dx%d", img.Width, img.Height),
			})
			if err != nil {
				return flow.NodeResult[State]{Err: err}
			}
			if !verdict.Passed {
				combined.Passed = false
				combined.HardConstraintsPassed = combined.HardConstraintsPassed && verdict.HardConstraintsPassed
				combined.Reason = verdict.Reason
				combined.FixSuggestions = append(combined.FixSuggestions, verdict.FixSuggestions...)
				if verdict.Score < combined.Score {
					combined.Score = verdict.Score
				}
			}
		}

		delta.ImageQualityReport = &combined
		if combined.Passed {
			return flow.NodeResult[State]{Delta: delta}
		}

		delta.ImageRetryCount = s.ImageRetryCount + 1
		if delta.ImageRetryCount >= deps.maxRetries() {
			msg := fmt.Sprintf("image quality below threshold after %d regenerations: %s",
				delta.ImageRetryCount, combined.Reason)
			delta.Error = msg
			return flow.NodeResult[State]{
				Delta: delta,
				Err:   &flow.NodeError{Message: msg, Code: "IMAGE_QUALITY_EXHAUSTED", NodeID: StepCheckImage},
			}
		}
		return flow.NodeResult[State]{Delta: delta}
	}
}

// postProcessNode is a pure transform: placeholders become image links and
// the final article is assembled.
func postProcessNode(deps *Deps) flow.NodeFunc[State] {
	return func(ctx context.Context, s State) flow.NodeResult[State] {
		final := ReplacePlaceholders(s.ArticleContent, s.Images)
		return flow.NodeResult[State]{
			Delta: State{
				FinalArticleContent: final,
				CurrentStep:         StepPostProcess,
				StepsCompleted:      []string{StepPostProcess},
			},
			Route: flow.Stop(),
		}
	}
}
