package parser

import (
	"regexp"
	"strings"

	"github.com/raphaelgruber/minutegraph/internal/models"
)

const (
	// MaxSectionIDLen bounds generated section ids.
	MaxSectionIDLen = 50

	// IntroSectionID names the block before the first header.
	IntroSectionID = "intro"

	// PreviewLen bounds section previews used as frozen context.
	PreviewLen = 300
)

// Only level 2 and 3 headers split sections. Level 1 and 4+ stay in the body.
var sectionHeaderRegex = regexp.MustCompile(`^(#{2,3})\s+(.+?)\s*#*\s*$`)

// ParseSections splits markdown into sections at level-2/3 headers. Text
// before the first header becomes an intro section only if it is not blank.
// Line numbers are 1-based.
func ParseSections(content string) []models.Section {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	var sections []models.Section
	var current *models.Section
	var body []string
	bodyStart := 1

	flush := func(endLine int) {
		text := joinTrimmed(body)
		switch {
		case current != nil:
			current.Content = text
			current.EndLine = endLine
			sections = append(sections, *current)
		case strings.TrimSpace(text) != "":
			sections = append(sections, models.Section{
				ID:        IntroSectionID,
				Content:   text,
				StartLine: bodyStart,
				EndLine:   endLine,
			})
		}
		body = body[:0]
	}

	for i, line := range lines {
		lineNum := i + 1
		match := sectionHeaderRegex.FindStringSubmatch(line)
		if match == nil {
			body = append(body, line)
			continue
		}
		flush(lineNum - 1)
		current = &models.Section{
			ID:        SectionID(match[2]),
			Header:    strings.TrimRight(line, " \t"),
			Level:     len(match[1]),
			StartLine: lineNum,
		}
	}
	flush(trailingLine(lines))

	return sections
}

// trailingLine is the last line number, not counting a final empty line left
// by a trailing newline.
func trailingLine(lines []string) int {
	n := len(lines)
	if n > 0 && lines[n-1] == "" {
		n--
	}
	return n
}

// joinTrimmed joins lines and drops leading and trailing blank lines.
func joinTrimmed(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// SectionID derives an id from header text: lowercase, anything other than
// letters, digits, spaces and hyphens removed, spaces turned into hyphens,
// truncated to MaxSectionIDLen. It depends on the text only, so ids survive
// re-parsing.
func SectionID(header string) string {
	header = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(header), "#"))

	var b strings.Builder
	for _, r := range strings.ToLower(header) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	id := b.String()
	if len(id) > MaxSectionIDLen {
		id = id[:MaxSectionIDLen]
	}
	if id == "" {
		return "section"
	}
	return id
}

// FindSection returns the index of the first section with id, or -1.
func FindSection(sections []models.Section, id string) int {
	for i := range sections {
		if sections[i].ID == id {
			return i
		}
	}
	return -1
}

// Reassemble writes sections back to markdown: header, blank line, body,
// with one blank line between sections.
func Reassemble(sections []models.Section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		switch {
		case s.Header == "":
			parts = append(parts, s.Content)
		case s.Content == "":
			parts = append(parts, s.Header)
		default:
			parts = append(parts, s.Header+"\n\n"+s.Content)
		}
	}
	out := strings.Join(parts, "\n\n")
	if out == "" {
		return ""
	}
	return out + "\n"
}

// Preview truncates content to at most n runes, ending a cut preview
// with "...".
func Preview(content string, n int) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return strings.TrimSpace(string(runes[:n-3])) + "..."
}

// HasSectionHeader reports whether content contains a line that would start
// a new section.
func HasSectionHeader(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if sectionHeaderRegex.MatchString(line) {
			return true
		}
	}
	return false
}

// DemoteHeaders rewrites section header lines in content as bold text so the
// content stays inside one section.
func DemoteHeaders(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if m := sectionHeaderRegex.FindStringSubmatch(line); m != nil {
			lines[i] = "**" + m[2] + "**"
		}
	}
	return strings.Join(lines, "\n")
}

// Label is the header text without hashes, or "Introduction" for the intro.
func Label(s models.Section) string {
	if s.Header == "" {
		return "Introduction"
	}
	return strings.TrimSpace(strings.TrimLeft(s.Header, "#"))
}
