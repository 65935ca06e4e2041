package content

import (
	"fmt"
	"strings"

	"github.com/dshills/contentflow/adapter"
	"github.com/dshills/contentflow/store"
)

// PlaceholderPrefix is the marker the writer inserts where images belong.
// Markers are numbered from 1: image-placeholder-1, image-placeholder-2.
const PlaceholderPrefix = "image-placeholder-"

const organizeSystemPrompt = `You are a research editor. Distill raw search material into a working outline and respond with JSON only.`

func buildOrganizePrompt(topic, requirements, answer string, results []adapter.SearchResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\nRequirements: %s\n\n", topic, requirements)

	if answer != "" {
		fmt.Fprintf(&sb, "Search summary: %s\n\n", answer)
	}
	if len(results) == 0 {
		sb.WriteString("No search material is available. Work from general knowledge of the topic.\n\n")
	} else {
		sb.WriteString("Search material:\n\n")
		for i, r := range results {
			fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.URL, r.Content)
		}
	}

	sb.WriteString(`Respond with JSON in exactly this shape:
{
  "outline": "section-by-section plan for the article",
  "key_points": ["the facts and arguments the article must cover"],
  "summary": "two-sentence summary of the angle"
}
Respond with the JSON object only.`)
	return sb.String()
}

const writerSystemPrompt = `You are a professional writer. Produce complete, publishable markdown articles. Where an illustration belongs, insert a marker line of the form image-placeholder-N (numbered from 1), at most three. After the article, append a fenced json block: {"image_prompts": ["one generation prompt per marker, same order"]}.`

func buildWritePrompt(s State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write an article on: %s\n\nRequirements: %s\n", s.Topic, s.Requirements)
	if s.TargetAudience != "" {
		fmt.Fprintf(&sb, "Target audience: %s\n", s.TargetAudience)
	}
	if s.Tone != "" {
		fmt.Fprintf(&sb, "Tone: %s\n", s.Tone)
	}
	if len(s.Keywords) > 0 {
		fmt.Fprintf(&sb, "Keywords to weave in: %s\n", strings.Join(s.Keywords, ", "))
	}
	writeConstraints(&sb, s.HardConstraints)

	if s.OrganizedInfo != nil {
		fmt.Fprintf(&sb, "\nOutline to follow:\n%s\n", s.OrganizedInfo.Outline)
		if len(s.OrganizedInfo.KeyPoints) > 0 {
			sb.WriteString("\nKey points to cover:\n")
			for _, p := range s.OrganizedInfo.KeyPoints {
				fmt.Fprintf(&sb, "- %s\n", p)
			}
		}
	}
	return sb.String()
}

func buildRewritePrompt(s State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your previous draft on %q did not pass review.\n\n", s.Topic)
	if s.TextQualityReport != nil {
		if s.TextQualityReport.Reason != "" {
			fmt.Fprintf(&sb, "Verdict: %s\n", s.TextQualityReport.Reason)
		}
		if len(s.TextQualityReport.FixSuggestions) > 0 {
			sb.WriteString("Required fixes:\n")
			for _, fix := range s.TextQualityReport.FixSuggestions {
				fmt.Fprintf(&sb, "- %s\n", fix)
			}
		}
	}
	fmt.Fprintf(&sb, "\nOriginal requirements: %s\n", s.Requirements)
	writeConstraints(&sb, s.HardConstraints)
	fmt.Fprintf(&sb, "\nPrevious draft:\n---\n%s\n---\n\nRewrite the article, applying every fix. Keep what worked.", s.PreviousContent)
	return sb.String()
}

func writeConstraints(sb *strings.Builder, hc *store.HardConstraints) {
	if hc == nil {
		return
	}
	if hc.MinWords > 0 {
		fmt.Fprintf(sb, "Minimum length: %d words\n", hc.MinWords)
	}
	if hc.MaxWords > 0 {
		fmt.Fprintf(sb, "Maximum length: %d words\n", hc.MaxWords)
	}
	if len(hc.Keywords) > 0 {
		fmt.Fprintf(sb, "Required keywords: %s\n", strings.Join(hc.Keywords, ", "))
	}
	if len(hc.ForbiddenWords) > 0 {
		fmt.Fprintf(sb, "Never use: %s\n", strings.Join(hc.ForbiddenWords, ", "))
	}
	if hc.RequireTitle {
		sb.WriteString("Start with a title.\n")
	}
	if hc.MinSections > 0 {
		fmt.Fprintf(sb, "Use at least %d headed sections.\n", hc.MinSections)
	}
	if hc.HasBulletPoints {
		sb.WriteString("Include a bulleted list.\n")
	}
	if hc.HasNumberedList {
		sb.WriteString("Include a numbered list.\n")
	}
}
