package models

import "time"

// SiteConfig describes the micro-document site published for a job.
type SiteConfig struct {
	Title       string       `json:"title" yaml:"title"`
	Slug        string       `json:"slug" yaml:"slug"`
	BasePath    string       `json:"base_path" yaml:"base_path"`
	Pages       []SitePage   `json:"pages" yaml:"pages"`
	Entities    []SiteEntity `json:"entities" yaml:"entities"`
	GeneratedAt time.Time    `json:"generated_at" yaml:"generated_at"`
}

// SitePage is one rendered document.
type SitePage struct {
	Path       string       `json:"path" yaml:"path"`
	Title      string       `json:"title" yaml:"title"`
	ArtifactID string       `json:"artifact_id" yaml:"artifact_id"`
	Type       ArtifactType `json:"type" yaml:"type"`
	Related    []string     `json:"related,omitempty" yaml:"related,omitempty"`
	// Fingerprint hashes the page title, type and markdown source. Set by
	// the site builder.
	Fingerprint string `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// SiteEntity is an approved entity listed on the site.
type SiteEntity struct {
	Slug        string   `json:"slug" yaml:"slug"`
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Pages       []string `json:"pages" yaml:"pages"`
}
