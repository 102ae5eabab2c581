package site

import (
	"bytes"
	"fmt"
	"html/template"
	"slices"

	"github.com/inful/mdfp"
	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

// File is one built output file, relative to the site root.
type File struct {
	Path        string
	Data        []byte
	ContentType string
}

func (f File) String() string {
	return fmt.Sprintf("%s (%d bytes)", f.Path, len(f.Data))
}

// Heading is a table of contents entry.
type Heading struct {
	Level int
	Text  string
	ID    string
}

// Builder renders markdown documents to HTML pages.
type Builder struct {
	md goldmark.Markdown
}

// NewBuilder creates a builder with GitHub-flavoured markdown and heading ids.
func NewBuilder() *Builder {
	return &Builder{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
	}
}

type pageData struct {
	Site     models.SiteConfig
	Page     models.SitePage
	Body     template.HTML
	Headings []Heading
}

// Build renders every page in cfg plus an index and site.yaml. A page whose
// artifact is missing fails the build. Pages are fingerprinted in the
// manifest; cfg itself is not modified.
func (b *Builder) Build(cfg models.SiteConfig, docs []models.Artifact) ([]File, error) {
	byID := make(map[string]models.Artifact, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	cfg.Pages = slices.Clone(cfg.Pages)
	files := make([]File, 0, len(cfg.Pages)+2)
	for i, p := range cfg.Pages {
		doc, ok := byID[p.ArtifactID]
		if !ok {
			return nil, failure.Newf(failure.KindBuildFailed, "page %s: artifact %s missing", p.Path, p.ArtifactID)
		}
		fp, err := Fingerprint(p, doc.Content)
		if err != nil {
			return nil, failure.Newf(failure.KindBuildFailed, "fingerprint %s: %w", p.Path, err)
		}
		p.Fingerprint = fp
		cfg.Pages[i] = p

		data, err := b.renderPage(cfg, p, []byte(doc.Content))
		if err != nil {
			return nil, failure.Newf(failure.KindBuildFailed, "render %s: %w", p.Path, err)
		}
		files = append(files, File{Path: p.Path, Data: data, ContentType: "text/html; charset=utf-8"})
	}

	var index bytes.Buffer
	if err := indexTemplate.Execute(&index, cfg); err != nil {
		return nil, failure.Newf(failure.KindBuildFailed, "render index: %w", err)
	}
	files = append(files, File{Path: "index.html", Data: index.Bytes(), ContentType: "text/html; charset=utf-8"})

	manifest, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, failure.Newf(failure.KindBuildFailed, "encode site.yaml: %w", err)
	}
	files = append(files, File{Path: "site.yaml", Data: manifest, ContentType: "application/yaml"})

	return files, nil
}

// Fingerprint hashes a page's markdown source together with a small
// front matter block of its title and type.
func Fingerprint(p models.SitePage, content string) (string, error) {
	fm, err := yaml.Marshal(struct {
		Title string              `yaml:"title"`
		Type  models.ArtifactType `yaml:"type"`
	}{p.Title, p.Type})
	if err != nil {
		return "", err
	}
	return mdfp.CalculateFingerprintFromParts(string(bytes.TrimSuffix(fm, []byte("\n"))), content), nil
}

func (b *Builder) renderPage(cfg models.SiteConfig, p models.SitePage, source []byte) ([]byte, error) {
	ctx := parser.NewContext()
	root := b.md.Parser().Parse(text.NewReader(source), parser.WithContext(ctx))

	var body bytes.Buffer
	if err := b.md.Renderer().Render(&body, source, root); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	err := pageTemplate.Execute(&out, pageData{
		Site:     cfg,
		Page:     p,
		Body:     template.HTML(body.String()), //nolint:gosec // goldmark escapes raw HTML by default
		Headings: Headings(root, source),
	})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Headings collects level 2 and 3 headings from a parsed document.
func Headings(root gmast.Node, source []byte) []Heading {
	var out []Heading
	_ = gmast.Walk(root, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		h, ok := n.(*gmast.Heading)
		if !ok || h.Level < 2 || h.Level > 3 {
			return gmast.WalkContinue, nil
		}
		id := ""
		if v, ok := h.AttributeString("id"); ok {
			if b, ok := v.([]byte); ok {
				id = string(b)
			}
		}
		out = append(out, Heading{Level: h.Level, Text: headingText(h, source), ID: id})
		return gmast.WalkSkipChildren, nil
	})
	return out
}

func headingText(n gmast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*gmast.Text); ok {
			buf.Write(t.Segment.Value(source))
			continue
		}
		buf.WriteString(headingText(c, source))
	}
	return buf.String()
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="fingerprint" content="{{.Page.Fingerprint}}">
<title>{{.Page.Title}} · {{.Site.Title}}</title>
</head>
<body>
<nav><a href="index.html">{{.Site.Title}}</a></nav>
{{- if .Headings}}
<aside><ul>
{{- range .Headings}}
<li class="h{{.Level}}"><a href="#{{.ID}}">{{.Text}}</a></li>
{{- end}}
</ul></aside>
{{- end}}
<main>
{{.Body}}
</main>
{{- if .Page.Related}}
<footer><h2>Related</h2><ul>
{{- range .Page.Related}}
<li><a href="{{.}}">{{.}}</a></li>
{{- end}}
</ul></footer>
{{- end}}
</body>
</html>
`))

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
<ul>
{{- range .Pages}}
<li><a href="{{.Path}}">{{.Title}}</a></li>
{{- end}}
</ul>
{{- if .Entities}}
<h2>Entities</h2>
<dl>
{{- range .Entities}}
<dt id="{{.Slug}}">{{.Name}} <small>{{.Type}}</small></dt>
<dd>{{.Description}}{{range .Pages}} <a href="{{.}}">{{.}}</a>{{end}}</dd>
{{- end}}
</dl>
{{- end}}
</body>
</html>
`))
