package quality

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/dshills/contentflow/store"
)

// RuleResult is the outcome of a single deterministic rule.
type RuleResult struct {
	Rule    string `json:"rule"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// HardReport is the combined outcome of all hard constraints on a text.
// Any failed rule fails the report.
type HardReport struct {
	Passed      bool         `json:"passed"`
	WordCount   int          `json:"word_count"`
	Results     []RuleResult `json:"results"`
	Suggestions []string     `json:"suggestions,omitempty"`
}

var (
	numberedListPattern = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+`)
	bulletPattern       = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	headingPattern      = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// CountWords counts words with locale awareness. Text containing CJK
// characters is counted as non-whitespace runes, since CJK prose has no
// word-delimiting spaces; everything else is whitespace-delimited.
func CountWords(text string) int {
	if containsCJK(text) {
		count := 0
		for _, r := range text {
			if !unicode.IsSpace(r) {
				count++
			}
		}
		return count
	}
	return len(strings.Fields(text))
}

func containsCJK(text string) bool {
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

// CheckHardConstraints runs every configured rule against the text. A nil
// constraint set passes trivially.
func CheckHardConstraints(text string, hc *store.HardConstraints) HardReport {
	report := HardReport{Passed: true, WordCount: CountWords(text)}
	if hc == nil {
		return report
	}

	add := func(rule string, passed bool, message, suggestion string) {
		r := RuleResult{Rule: rule, Passed: passed}
		if !passed {
			r.Message = message
			report.Passed = false
			if suggestion != "" {
				report.Suggestions = append(report.Suggestions, suggestion)
			}
		}
		report.Results = append(report.Results, r)
	}

	if hc.MinWords > 0 {
		add("min_words", report.WordCount >= hc.MinWords,
			fmt.Sprintf("word count %d below minimum %d", report.WordCount, hc.MinWords),
			fmt.Sprintf("expand the article to at least %d words", hc.MinWords))
	}
	if hc.MaxWords > 0 {
		add("max_words", report.WordCount <= hc.MaxWords,
			fmt.Sprintf("word count %d above maximum %d", report.WordCount, hc.MaxWords),
			fmt.Sprintf("tighten the article to at most %d words", hc.MaxWords))
	}

	if len(hc.Keywords) > 0 {
		lower := strings.ToLower(text)
		var missing []string
		found := 0
		for _, kw := range hc.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				found++
			} else {
				missing = append(missing, kw)
			}
		}
		if hc.RequireAllKeywords {
			add("keywords_all", len(missing) == 0,
				fmt.Sprintf("missing keywords: %s", strings.Join(missing, ", ")),
				fmt.Sprintf("work in the missing keywords: %s", strings.Join(missing, ", ")))
		} else {
			add("keywords_any", found > 0,
				"none of the required keywords appear",
				fmt.Sprintf("include at least one of: %s", strings.Join(hc.Keywords, ", ")))
		}
	}

	if len(hc.ForbiddenWords) > 0 {
		lower := strings.ToLower(text)
		var present []string
		for _, w := range hc.ForbiddenWords {
			if strings.Contains(lower, strings.ToLower(w)) {
				present = append(present, w)
			}
		}
		add("forbidden_words", len(present) == 0,
			fmt.Sprintf("forbidden words present: %s", strings.Join(present, ", ")),
			fmt.Sprintf("remove the forbidden words: %s", strings.Join(present, ", ")))
	}

	lines := nonEmptyLines(text)

	if hc.RequireTitle {
		add("title", hasTitle(lines),
			"no title found",
			"start the article with a heading or a short title line")
	}
	if hc.RequireIntro {
		add("intro", hasIntro(lines),
			"no introductory paragraph found",
			"open with a short introductory paragraph")
	}
	if hc.RequireConclusion {
		add("conclusion", hasConclusion(lines),
			"no concluding paragraph found",
			"close with a concluding paragraph")
	}
	if hc.MinSections > 0 {
		sections := len(headingPattern.FindAllString(text, -1))
		add("min_sections", sections >= hc.MinSections,
			fmt.Sprintf("%d sections found, want at least %d", sections, hc.MinSections),
			fmt.Sprintf("split the body into at least %d headed sections", hc.MinSections))
	}
	if hc.HasBulletPoints {
		add("bullet_points", bulletPattern.MatchString(text),
			"no bullet points found",
			"add a bulleted list")
	}
	if hc.HasNumberedList {
		add("numbered_list", numberedListPattern.MatchString(text),
			"no numbered list found",
			"add a numbered list")
	}

	return report
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}

// hasTitle accepts a markdown heading or a short first line.
func hasTitle(lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	first := lines[0]
	if strings.HasPrefix(first, "#") {
		return true
	}
	return len([]rune(first)) <= 40
}

// hasIntro looks for a prose line of reasonable length near the top,
// skipping the title.
func hasIntro(lines []string) bool {
	limit := 3
	if len(lines) < limit {
		limit = len(lines)
	}
	for i := 0; i < limit; i++ {
		if strings.HasPrefix(lines[i], "#") {
			continue
		}
		n := len([]rune(lines[i]))
		if n >= 10 && n <= 300 {
			return true
		}
	}
	return false
}

// hasConclusion requires a substantial final line.
func hasConclusion(lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	last := lines[len(lines)-1]
	return len([]rune(last)) > 10
}
