package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/llm"
	"github.com/raphaelgruber/minutegraph/internal/models"
	"github.com/raphaelgruber/minutegraph/internal/parser"
	"github.com/raphaelgruber/minutegraph/internal/retry"
)

// SectionService edits one section of a document artifact at a time.
type SectionService struct {
	store  Store
	gen    Generator
	policy retry.Policy
	now    func() time.Time
}

// NewSectionService creates a section service.
func NewSectionService(store Store, gen Generator, policy retry.Policy) *SectionService {
	return &SectionService{store: store, gen: gen, policy: policy, now: time.Now}
}

// List returns the sections of an artifact.
func (s *SectionService) List(ctx context.Context, mode, artifactID string) ([]models.Section, error) {
	a, err := s.document(ctx, mode, artifactID)
	if err != nil {
		return nil, err
	}
	return sectionsOf(a), nil
}

// Edit replaces a section's content with text written by a person.
func (s *SectionService) Edit(ctx context.Context, mode, artifactID, sectionID, content string) (*models.Artifact, error) {
	if parser.HasSectionHeader(content) {
		return nil, failure.Invalid("content", "must not contain level 2 or 3 headers")
	}
	a, err := s.document(ctx, mode, artifactID)
	if err != nil {
		return nil, err
	}
	sections := sectionsOf(a)
	idx := parser.FindSection(sections, sectionID)
	if idx < 0 {
		return nil, failure.NotFound("section", sectionID)
	}
	if err := s.apply(ctx, a, sections, idx, content); err != nil {
		return nil, err
	}
	slog.Info("section edited", "artifact_id", artifactID, "mode", mode, "section", sectionID)
	return a, nil
}

// Regenerate rewrites one section from instructions. The other sections are
// passed as frozen context and are left byte-identical.
func (s *SectionService) Regenerate(ctx context.Context, mode, artifactID, sectionID, instructions string) (*models.Artifact, error) {
	a, err := s.document(ctx, mode, artifactID)
	if err != nil {
		return nil, err
	}
	sections := sectionsOf(a)
	idx := parser.FindSection(sections, sectionID)
	if idx < 0 {
		return nil, failure.NotFound("section", sectionID)
	}
	target := sections[idx]

	before, after := FrozenContext(sections, idx)
	title := models.FirstNonEmpty(a.Title, string(a.Type))
	prompt := llm.SectionRegenerationPrompt(title, parser.Label(target), target.Content, before, after, instructions)

	content, err := retry.Value(ctx, s.policy, retry.Generation, func(ctx context.Context) (string, error) {
		return s.gen.Generate(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}
	content = cleanRegenerated(content, target)
	if content == "" {
		return nil, failure.Newf(failure.KindInvalidResponse, "empty rewrite for section %q", sectionID)
	}

	if err := s.apply(ctx, a, sections, idx, content); err != nil {
		return nil, err
	}
	slog.Info("section regenerated", "artifact_id", artifactID, "mode", mode, "section", sectionID)
	return a, nil
}

// FrozenContext renders previews of the sections strictly before and
// strictly after idx, in document order.
func FrozenContext(sections []models.Section, idx int) (before, after string) {
	render := func(secs []models.Section) string {
		parts := make([]string, 0, len(secs))
		for _, sec := range secs {
			parts = append(parts, fmt.Sprintf("[%s]\n%s", parser.Label(sec), parser.Preview(sec.Content, parser.PreviewLen)))
		}
		return strings.Join(parts, "\n\n")
	}
	return render(sections[:idx]), render(sections[idx+1:])
}

// cleanRegenerated drops a repeated header and keeps the reply inside one
// section.
func cleanRegenerated(content string, target models.Section) string {
	content = strings.TrimSpace(strings.ReplaceAll(content, "\r\n", "\n"))
	if target.Header != "" {
		first, rest, _ := strings.Cut(content, "\n")
		if strings.TrimSpace(first) == strings.TrimSpace(target.Header) {
			content = strings.TrimSpace(rest)
		}
	}
	return parser.DemoteHeaders(content)
}

// apply replaces the content of sections[idx], snapshots original content
// on the first edit of the section and of the artifact, and saves.
func (s *SectionService) apply(ctx context.Context, a *models.Artifact, sections []models.Section, idx int, content string) error {
	now := s.now()

	sec := &sections[idx]
	if sec.OriginalContent == nil {
		orig := sec.Content
		sec.OriginalContent = &orig
	}
	sec.Content = strings.TrimSpace(content)
	sec.EditedAt = &now

	if a.OriginalContent == nil {
		orig := a.Content
		a.OriginalContent = &orig
	}
	a.Content = parser.Reassemble(sections)
	a.LastEditedAt = &now
	a.Sections = sections
	a.Sections = sectionsOf(a)

	if err := s.store.UpdateArtifact(ctx, a); err != nil {
		return fmt.Errorf("update artifact: %w", err)
	}
	return nil
}

func (s *SectionService) document(ctx context.Context, mode, id string) (*models.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, mode, id)
	if err != nil {
		return nil, err
	}
	if !a.Type.IsDocument() {
		return nil, failure.Invalid("artifact", fmt.Sprintf("%s artifacts have no sections", a.Type))
	}
	return a, nil
}

// sectionsOf parses the artifact's current content and carries edit
// metadata over from the cached sections, matching by id and by position
// among the sections that share that id.
func sectionsOf(a *models.Artifact) []models.Section {
	type occurrence struct {
		id string
		n  int
	}
	number := func(sections []models.Section) []occurrence {
		seen := make(map[string]int, len(sections))
		out := make([]occurrence, len(sections))
		for i, s := range sections {
			out[i] = occurrence{s.ID, seen[s.ID]}
			seen[s.ID]++
		}
		return out
	}

	previous := make(map[occurrence]models.Section, len(a.Sections))
	for i, o := range number(a.Sections) {
		previous[o] = a.Sections[i]
	}
	parsed := parser.ParseSections(a.Content)
	for i, o := range number(parsed) {
		if old, ok := previous[o]; ok {
			parsed[i].EditedAt = old.EditedAt
			parsed[i].OriginalContent = old.OriginalContent
		}
	}
	return parsed
}
