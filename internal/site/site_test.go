package site

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

func fixture() Input {
	return Input{
		Job: models.Job{ID: "job-1", Mode: "work", Config: models.JobConfig{Title: "Acme Kickoff"}},
		Documents: []models.Artifact{
			{ID: "a-clean", Type: models.ArtifactCleanedTranscript, Content: "## Opening\n\nHello Acme."},
			{ID: "a-brief", Type: models.ArtifactBrief, Content: "## Summary\n\nAcme wants a **pilot**.\n\n### Detail\n\n| a | b |\n|---|---|\n| 1 | 2 |\n"},
			{ID: "a-set", Type: models.ArtifactEntitySet, Content: "[]"},
		},
		Entities: []models.Entity{
			{ID: "e-acme", Slug: "acme", CanonicalName: "Acme", Type: "company"},
			{ID: "e-ghost", Slug: "ghost", CanonicalName: "Ghost", Type: "company"},
		},
		Appearances: []models.EntityAppearance{
			{EntityID: "e-acme", ArtifactID: "a-brief"},
			{EntityID: "e-acme", ArtifactID: "a-clean"},
			{EntityID: "e-acme", ArtifactID: "a-brief"},
			{EntityID: "e-ghost", ArtifactID: "elsewhere"},
		},
		Related:  map[string][]string{"a-brief": {"../job-0/brief.html"}},
		BasePath: "/sites/work/job-1/",
	}
}

func TestAssemble(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := Assemble(fixture(), now)

	assert.Equal(t, "Acme Kickoff", cfg.Title)
	assert.Equal(t, "acme-kickoff", cfg.Slug)
	assert.Equal(t, now, cfg.GeneratedAt)

	require.Len(t, cfg.Pages, 2, "entity_set is not a page")
	assert.Equal(t, "brief.html", cfg.Pages[0].Path)
	assert.Equal(t, "Brief", cfg.Pages[0].Title)
	assert.Equal(t, []string{"../job-0/brief.html"}, cfg.Pages[0].Related)
	assert.Equal(t, "cleaned-transcript.html", cfg.Pages[1].Path)

	require.Len(t, cfg.Entities, 1, "entities without pages on this site are left out")
	assert.Equal(t, "acme", cfg.Entities[0].Slug)
	assert.Equal(t, []string{"brief.html", "cleaned-transcript.html"}, cfg.Entities[0].Pages)
}

func TestAssembleFallsBackToJobID(t *testing.T) {
	in := fixture()
	in.Job.Config.Title = ""
	cfg := Assemble(in, time.Now())
	assert.Equal(t, "job-1", cfg.Slug)
	assert.Equal(t, "Meeting job-1", cfg.Title)
}

func TestBuild(t *testing.T) {
	in := fixture()
	cfg := Assemble(in, time.Now())

	files, err := NewBuilder().Build(cfg, in.Documents)
	require.NoError(t, err)

	byPath := make(map[string]File)
	for _, f := range files {
		byPath[f.Path] = f
	}
	require.Contains(t, byPath, "brief.html")
	require.Contains(t, byPath, "index.html")
	require.Contains(t, byPath, "site.yaml")

	brief := string(byPath["brief.html"].Data)
	assert.Contains(t, brief, "<strong>pilot</strong>")
	assert.Contains(t, brief, "<table>", "GFM tables are enabled")
	assert.Contains(t, brief, `href="#summary"`, "headings feed the table of contents")
	assert.Contains(t, brief, "../job-0/brief.html")

	index := string(byPath["index.html"].Data)
	assert.Contains(t, index, `<a href="brief.html">Brief</a>`)
	assert.Contains(t, index, "Acme")

	var manifest models.SiteConfig
	require.NoError(t, yaml.Unmarshal(byPath["site.yaml"].Data, &manifest))
	assert.Equal(t, cfg.Slug, manifest.Slug)
	require.Len(t, manifest.Pages, 2)
	for _, p := range manifest.Pages {
		assert.NotEmpty(t, p.Fingerprint, p.Path)
		assert.Contains(t, string(byPath[p.Path].Data), `<meta name="fingerprint"`)
	}
	assert.Empty(t, cfg.Pages[0].Fingerprint, "input config is left alone")
}

func TestFingerprint(t *testing.T) {
	page := models.SitePage{Title: "Brief", Type: models.ArtifactBrief}

	a, err := Fingerprint(page, "## Summary\n\nPilot.")
	require.NoError(t, err)
	b, err := Fingerprint(page, "## Summary\n\nPilot.")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	edited, err := Fingerprint(page, "## Summary\n\nNo pilot.")
	require.NoError(t, err)
	assert.NotEqual(t, a, edited)

	page.Title = "Renamed"
	renamed, err := Fingerprint(page, "## Summary\n\nPilot.")
	require.NoError(t, err)
	assert.NotEqual(t, a, renamed)
}

func TestBuildMissingArtifact(t *testing.T) {
	cfg := models.SiteConfig{Pages: []models.SitePage{{Path: "brief.html", ArtifactID: "gone"}}}
	_, err := NewBuilder().Build(cfg, nil)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindBuildFailed))
}

func TestBuildEscapesRawHTML(t *testing.T) {
	docs := []models.Artifact{{ID: "a", Type: models.ArtifactBrief, Content: "<script>alert(1)</script>\n\ntext"}}
	cfg := models.SiteConfig{Title: "T", Pages: []models.SitePage{{Path: "brief.html", Title: "Brief", ArtifactID: "a"}}}

	files, err := NewBuilder().Build(cfg, docs)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(files[0].Data), "<script>"))
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "sites/work/job-1", Prefix("sites", "work", "job-1"))
}
