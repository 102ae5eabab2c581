// Package parser provides Markdown parsing for transcripts and artifacts.
package parser

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transcript is a parsed meeting transcript.
type Transcript struct {
	// Frontmatter metadata (from YAML)
	Frontmatter map[string]any

	// Title from frontmatter or the first h1
	Title string

	// Body after the frontmatter
	Body string
}

var h1Regex = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// ParseTranscript splits optional YAML frontmatter from the transcript body.
// Broken frontmatter is ignored rather than failing the job.
func ParseTranscript(content string) *Transcript {
	tr := &Transcript{Frontmatter: make(map[string]any)}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	remaining := content
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx >= 0 {
			frontmatterYAML := content[4 : 4+endIdx]
			remaining = strings.TrimPrefix(content[4+endIdx+4:], "\n")

			if err := yaml.Unmarshal([]byte(frontmatterYAML), &tr.Frontmatter); err != nil {
				tr.Frontmatter = make(map[string]any)
			}
		}
	}

	tr.Body = remaining
	tr.Title = extractTitle(tr.Frontmatter, remaining)
	return tr
}

// extractTitle gets title from frontmatter or first h1.
func extractTitle(fm map[string]any, content string) string {
	if title, ok := fm["title"].(string); ok && title != "" {
		return title
	}
	if match := h1Regex.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// GetFrontmatterString extracts a string from frontmatter.
func (t *Transcript) GetFrontmatterString(key string) string {
	if v, ok := t.Frontmatter[key].(string); ok {
		return v
	}
	return ""
}

// GetFrontmatterStringSlice extracts a string slice from frontmatter.
// A scalar string is returned as a one-element slice.
func (t *Transcript) GetFrontmatterStringSlice(key string) []string {
	switch v := t.Frontmatter[key].(type) {
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return v
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}
