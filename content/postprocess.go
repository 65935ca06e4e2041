package content

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderLinePattern = regexp.MustCompile(`(?m)^\s*` + regexp.QuoteMeta(PlaceholderPrefix) + `(\d+)\s*$`)

// ReplacePlaceholders swaps each image-placeholder-N marker for a markdown
// image referencing the Nth generated image, preferring the local path over
// the remote URL. Markers without a matching image are stripped so the
// article never ships with raw placeholders.
func ReplacePlaceholders(article string, images []Image) string {
	replaced := placeholderLinePattern.ReplaceAllStringFunc(article, func(marker string) string {
		n, err := strconv.Atoi(strings.TrimSpace(marker)[len(PlaceholderPrefix):])
		if err != nil || n < 1 || n > len(images) {
			return ""
		}
		img := images[n-1]
		ref := img.URL
		if img.LocalPath != "" {
			ref = img.LocalPath
		}
		alt := img.Prompt
		if alt == "" {
			alt = fmt.Sprintf("illustration %d", n)
		}
		return fmt.Sprintf("![%s](%s)", alt, ref)
	})

	// Inline markers the line pattern missed get the same treatment.
	replaced = placeholderPattern.ReplaceAllStringFunc(replaced, func(marker string) string {
		n, err := strconv.Atoi(marker[len(PlaceholderPrefix):])
		if err != nil || n < 1 || n > len(images) {
			return ""
		}
		img := images[n-1]
		ref := img.URL
		if img.LocalPath != "" {
			ref = img.LocalPath
		}
		return fmt.Sprintf("![illustration %d](%s)", n, ref)
	})

	// Collapse blank runs left behind by stripped markers.
	for strings.Contains(replaced, "\n\n\n") {
		replaced = strings.ReplaceAll(replaced, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(replaced)
}
