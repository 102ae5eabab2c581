// Package site assembles and renders the micro-document site published for
// a job.
package site

import (
	"cmp"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/raphaelgruber/minutegraph/internal/models"
)

// pageOrder is the order documents appear in on the site.
var pageOrder = []models.ArtifactType{
	models.ArtifactBrief,
	models.ArtifactStrategicQuestions,
	models.ArtifactNarrativeResearch,
	models.ArtifactCleanedTranscript,
}

var defaultTitles = map[models.ArtifactType]string{
	models.ArtifactBrief:              "Brief",
	models.ArtifactStrategicQuestions: "Strategic Questions",
	models.ArtifactNarrativeResearch:  "Research",
	models.ArtifactCleanedTranscript:  "Transcript",
}

// PagePath is the file a document type renders to.
func PagePath(t models.ArtifactType) string {
	return strings.ReplaceAll(string(t), "_", "-") + ".html"
}

// Prefix is the object key prefix of a job's site.
func Prefix(root, mode, jobID string) string {
	return path.Join(root, mode, jobID)
}

// Input is everything Assemble needs.
type Input struct {
	Job         models.Job
	Documents   []models.Artifact
	Entities    []models.Entity // approved entities
	Appearances []models.EntityAppearance
	// Related maps an artifact id to links of related documents, most
	// related first.
	Related  map[string][]string
	BasePath string
}

// Assemble builds the site configuration. Only document artifacts become
// pages, and only entities that appear in one of them are listed.
func Assemble(in Input, now time.Time) models.SiteConfig {
	cfg := models.SiteConfig{
		Title:       models.FirstNonEmpty(in.Job.Config.Title, "Meeting "+in.Job.ID),
		Slug:        models.FirstNonEmpty(models.Slugify(in.Job.Config.Title), in.Job.ID),
		BasePath:    in.BasePath,
		GeneratedAt: now.UTC(),
	}

	docs := lo.Filter(in.Documents, func(a models.Artifact, _ int) bool { return a.Type.IsDocument() })
	slices.SortStableFunc(docs, func(a, b models.Artifact) int {
		return cmp.Compare(slices.Index(pageOrder, a.Type), slices.Index(pageOrder, b.Type))
	})

	pageOf := make(map[string]string, len(docs))
	for _, d := range docs {
		p := models.SitePage{
			Path:       PagePath(d.Type),
			Title:      models.FirstNonEmpty(d.Title, defaultTitles[d.Type], string(d.Type)),
			ArtifactID: d.ID,
			Type:       d.Type,
			Related:    in.Related[d.ID],
		}
		pageOf[d.ID] = p.Path
		cfg.Pages = append(cfg.Pages, p)
	}

	pagesByEntity := make(map[string][]string)
	for _, a := range in.Appearances {
		if p, ok := pageOf[a.ArtifactID]; ok && !slices.Contains(pagesByEntity[a.EntityID], p) {
			pagesByEntity[a.EntityID] = append(pagesByEntity[a.EntityID], p)
		}
	}
	for _, e := range in.Entities {
		pages := pagesByEntity[e.ID]
		if len(pages) == 0 {
			continue
		}
		slices.Sort(pages)
		cfg.Entities = append(cfg.Entities, models.SiteEntity{
			Slug:        e.Slug,
			Name:        e.CanonicalName,
			Type:        e.Type,
			Description: e.Metadata.Description,
			Pages:       pages,
		})
	}
	slices.SortFunc(cfg.Entities, func(a, b models.SiteEntity) int {
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})

	return cfg
}
