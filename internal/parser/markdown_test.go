package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTranscriptFrontmatter(t *testing.T) {
	content := "---\ntitle: Acme intro call\nentities:\n  - Acme\n  - Globex\nhost: Dana\n---\n\nDana: hi\n"

	tr := ParseTranscript(content)
	assert.Equal(t, "Acme intro call", tr.Title)
	assert.Equal(t, "Dana", tr.GetFrontmatterString("host"))
	assert.Equal(t, []string{"Acme", "Globex"}, tr.GetFrontmatterStringSlice("entities"))
	assert.Equal(t, "\nDana: hi\n", tr.Body)
}

func TestParseTranscriptWithoutFrontmatter(t *testing.T) {
	tr := ParseTranscript("# Weekly sync\r\n\r\nnotes\r\n")
	assert.Equal(t, "Weekly sync", tr.Title)
	assert.Empty(t, tr.Frontmatter)
	assert.False(t, strings.Contains(tr.Body, "\r"))
}

func TestParseTranscriptBrokenFrontmatter(t *testing.T) {
	tr := ParseTranscript("---\ntitle: [unclosed\n---\nbody\n")
	assert.Empty(t, tr.Frontmatter)
	assert.Equal(t, "body\n", tr.Body)
}

func TestGetFrontmatterStringSliceScalar(t *testing.T) {
	tr := ParseTranscript("---\nentities: Acme\n---\n")
	assert.Equal(t, []string{"Acme"}, tr.GetFrontmatterStringSlice("entities"))
	assert.Nil(t, tr.GetFrontmatterStringSlice("missing"))
}

func TestSplitForExtractionSmallDocument(t *testing.T) {
	windows := SplitForExtraction(briefDoc, DefaultWindowConfig())
	require.Len(t, windows, 1)
	assert.Equal(t, briefDoc, windows[0].Content)
	assert.Equal(t, IntroSectionID, windows[0].SectionID)

	assert.Empty(t, SplitForExtraction("  \n", DefaultWindowConfig()))
}

func TestSplitForExtractionPacksSections(t *testing.T) {
	var b strings.Builder
	for _, h := range []string{"Alpha", "Beta", "Gamma", "Delta"} {
		b.WriteString("## " + h + "\n\n" + strings.Repeat("word ", 30) + "\n\n")
	}
	cfg := WindowConfig{Threshold: 100, MaxSize: 350}

	windows := SplitForExtraction(b.String(), cfg)
	require.Len(t, windows, 2)
	assert.Equal(t, "alpha", windows[0].SectionID)
	assert.Equal(t, "gamma", windows[1].SectionID)
	for i, w := range windows {
		assert.Equal(t, i, w.Position)
		assert.LessOrEqual(t, len(w.Content), cfg.MaxSize)
	}
}

func TestSplitForExtractionOversizedSection(t *testing.T) {
	body := strings.Repeat("The robot shipped on time. ", 40)
	doc := "## Huge\n\n" + body
	windows := SplitForExtraction(doc, WindowConfig{Threshold: 10, MaxSize: 200})

	require.Greater(t, len(windows), 1)
	for _, w := range windows {
		assert.Equal(t, "huge", w.SectionID)
		assert.LessOrEqual(t, len(w.Content), 200)
	}
}
