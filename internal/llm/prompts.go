package llm

import (
	"fmt"
	"strings"
)

// Prompt is one generation request.
type Prompt struct {
	System    string
	User      string
	JSON      bool
	MaxTokens int
}

func (p Prompt) maxTokens() int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return 8192
}

// CleanTranscriptPrompt turns a raw transcript into readable prose.
func CleanTranscriptPrompt(title, transcript string) Prompt {
	return Prompt{
		System: `You clean up raw meeting transcripts.
- Remove filler words, false starts and crosstalk
- Keep speaker attributions and every substantive statement
- Group the conversation under "## " headers by topic
- Output Markdown only`,
		User:      fmt.Sprintf("Meeting: %s\n\nTranscript:\n%s", title, transcript),
		MaxTokens: 16384,
	}
}

// BriefPrompt summarises a cleaned transcript.
func BriefPrompt(title, cleaned string) Prompt {
	return Prompt{
		System: `You write executive meeting briefs in Markdown.
Use these "## " sections in order: Summary, Key Points, Decisions, Action Items, Open Questions.
Be specific; name people, companies and numbers exactly as stated.`,
		User: fmt.Sprintf("Meeting: %s\n\nCleaned transcript:\n%s", title, cleaned),
	}
}

// StrategicQuestionsPrompt derives follow-up questions from the brief.
func StrategicQuestionsPrompt(title, brief, cleaned string) Prompt {
	return Prompt{
		System: `You are a strategy advisor. From the brief and transcript, write the questions the team should answer next.
Group them under "## " headers by theme and add one line of rationale per question. Output Markdown only.`,
		User: fmt.Sprintf("Meeting: %s\n\nBrief:\n%s\n\nTranscript:\n%s", title, brief, cleaned),
	}
}

// SourceFindings is one research provider's contribution to a synthesis.
type SourceFindings struct {
	Provider string
	Text     string
	Failed   bool
}

// DataUnavailable marks a provider that produced nothing.
const DataUnavailable = "(data unavailable)"

// ResearchSynthesisPrompt merges provider findings into one narrative.
func ResearchSynthesisPrompt(topic string, entities []string, brief string, sources []SourceFindings) Prompt {
	var b strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&b, "### Source: %s\n", s.Provider)
		if s.Failed {
			b.WriteString(DataUnavailable + "\n\n")
			continue
		}
		b.WriteString(s.Text + "\n\n")
	}

	return Prompt{
		System: `You are a research analyst. Synthesize the findings from several research sources into one narrative report in Markdown.
- Organise it under "## " headers
- Attribute claims to their source
- Where a source is marked "(data unavailable)", say so in a "## Source Coverage" section and do not invent its content`,
		User: fmt.Sprintf("Topic: %s\nEntities: %s\n\nPrior brief:\n%s\n\nFindings:\n%s",
			topic, strings.Join(entities, ", "), brief, b.String()),
	}
}

// EntityExtractionPrompt asks for entity candidates as JSON.
func EntityExtractionPrompt(types []string, document string) Prompt {
	return Prompt{
		System: fmt.Sprintf(`You extract named entities from business documents.
Allowed types: %s.
Return JSON: {"entities":[{"canonical_name":"","aliases":[],"type":"","description":"","url":"","twitter":"","opportunities":[],"mentions":[{"excerpt":"","section":"","sentiment":"positive|neutral|negative"}]}]}
- canonical_name is the most complete proper name
- at most 5 mentions per entity; excerpts are verbatim sentences
- section is the id of the "## " header the excerpt sits under, if any
- opportunities are short tags for deals or initiatives the entity is tied to
- leave unknown fields empty`, strings.Join(types, ", ")),
		User:      document,
		JSON:      true,
		MaxTokens: 8192,
	}
}

// SectionRegenerationPrompt rewrites one section with its neighbours frozen.
func SectionRegenerationPrompt(artifactTitle, header, current, before, after, instructions string) Prompt {
	if instructions == "" {
		instructions = "Improve clarity and completeness."
	}
	return Prompt{
		System: `You rewrite a single section of a Markdown document.
The surrounding sections are fixed context and must not be repeated or contradicted.
Return only the new body of the section, without its header.`,
		User: fmt.Sprintf(`Document: %s

Sections before:
%s

Section to rewrite: %s
Current content:
%s

Sections after:
%s

Instructions: %s`, artifactTitle, orNone(before), header, current, orNone(after), instructions),
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
