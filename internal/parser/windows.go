package parser

import (
	"strings"
	"unicode"

	"github.com/raphaelgruber/minutegraph/internal/models"
)

// Window is a slice of a document small enough for one extraction call.
type Window struct {
	Content   string
	SectionID string // section the window starts in
	Position  int
}

// WindowConfig bounds extraction windows, in bytes.
type WindowConfig struct {
	// Documents at or below Threshold go out as a single window.
	Threshold int
	// MaxSize is the upper bound per window; oversized paragraphs are cut at sentences.
	MaxSize int
}

// DefaultWindowConfig returns defaults sized for long-context models.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{Threshold: 24000, MaxSize: 16000}
}

// SplitForExtraction packs consecutive sections into windows no larger than
// MaxSize. Each window remembers the section it starts in so mentions can be
// attributed.
func SplitForExtraction(content string, cfg WindowConfig) []Window {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	sections := ParseSections(content)
	if len(content) <= cfg.Threshold || len(sections) == 0 {
		id := ""
		if len(sections) > 0 {
			id = sections[0].ID
		}
		return []Window{{Content: content, SectionID: id}}
	}

	var windows []Window
	var current strings.Builder
	currentID := ""

	flush := func() {
		if current.Len() == 0 {
			return
		}
		windows = append(windows, Window{
			Content:   strings.TrimSpace(current.String()),
			SectionID: currentID,
			Position:  len(windows),
		})
		current.Reset()
	}

	for _, s := range sections {
		text := renderSection(s)
		if current.Len()+len(text)+2 > cfg.MaxSize {
			flush()
		}
		if len(text) > cfg.MaxSize {
			for _, piece := range splitParagraphs(text, cfg.MaxSize) {
				currentID = s.ID
				current.WriteString(piece)
				flush()
			}
			continue
		}
		if current.Len() == 0 {
			currentID = s.ID
		} else {
			current.WriteString("\n\n")
		}
		current.WriteString(text)
	}
	flush()

	return windows
}

func renderSection(s models.Section) string {
	if s.Header == "" {
		return s.Content
	}
	return s.Header + "\n\n" + s.Content
}

// splitParagraphs packs paragraphs into pieces of at most maxSize; a single
// paragraph over the limit is cut at sentence ends.
func splitParagraphs(text string, maxSize int) []string {
	var pieces []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len()+len(para) > maxSize {
			flush()
		}
		if len(para) > maxSize {
			for _, sentence := range splitSentences(para) {
				if current.Len()+len(sentence) > maxSize {
					flush()
				}
				if current.Len() > 0 {
					current.WriteString(" ")
				}
				current.WriteString(strings.TrimSpace(sentence))
			}
			flush()
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return pieces
}

// splitSentences splits text into sentences.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if r == '.' || r == '!' || r == '?' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				// "Dr." and similar
				if i > 1 && unicode.IsUpper(runes[i-1]) {
					continue
				}
				sentences = append(sentences, current.String())
				current.Reset()
			}
		}
	}

	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}

	return sentences
}
