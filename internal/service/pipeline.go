package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/llm"
	"github.com/raphaelgruber/minutegraph/internal/metrics"
	"github.com/raphaelgruber/minutegraph/internal/models"
	"github.com/raphaelgruber/minutegraph/internal/parser"
	"github.com/raphaelgruber/minutegraph/internal/research"
	"github.com/raphaelgruber/minutegraph/internal/retry"
	"github.com/raphaelgruber/minutegraph/internal/site"
)

// relatedDocuments is how many related documents a page links to.
const relatedDocuments = 5

var (
	readTranscriptCall = retry.Call{Kind: failure.KindStorageError, Name: "read transcript"}
	saveArtifactCall   = retry.Call{Kind: failure.KindStorageError, Name: "save artifact"}
	deployCall         = retry.Call{Kind: failure.KindStorageError, Name: "deploy"}
	listArtifactsCall  = retry.Call{Kind: failure.KindStorageError, Name: "list artifacts"}
	getArtifactCall    = retry.Call{Kind: failure.KindStorageError, Name: "get artifact"}
	listEntitiesCall   = retry.Call{Kind: failure.KindStorageError, Name: "list entities"}
	appearanceReadCall = retry.Call{Kind: failure.KindStorageError, Name: "list appearances"}
	backlinksCall      = retry.Call{Kind: failure.KindStorageError, Name: "recalculate backlinks"}
	opportunityCall    = retry.Call{Kind: failure.KindStorageError, Name: "rebuild opportunity index"}
	relatedCall        = retry.Call{Kind: failure.KindStorageError, Name: "related documents"}
)

// PipelineDeps wires a Pipeline.
type PipelineDeps struct {
	Jobs        *JobManager
	Store       Store
	Generator   Generator
	Research    *ResearchOrchestrator
	Registry    *EntityRegistry
	Transcripts TranscriptSource
	Objects     ObjectStore
	Policy      retry.Policy
	Metrics     *metrics.Collector
	SitePrefix  string
}

// Pipeline runs the stages of one job at a time. Stages run sequentially;
// every stage re-reads the job before writing results so a cancel that
// lands mid-stage drops them.
type Pipeline struct {
	jobs        *JobManager
	store       Store
	gen         Generator
	research    *ResearchOrchestrator
	registry    *EntityRegistry
	transcripts TranscriptSource
	objects     ObjectStore
	builder     *site.Builder
	policy      retry.Policy
	metrics     *metrics.Collector
	sitePrefix  string
	now         func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(d PipelineDeps) *Pipeline {
	return &Pipeline{
		jobs:        d.Jobs,
		store:       d.Store,
		gen:         d.Generator,
		research:    d.Research,
		registry:    d.Registry,
		transcripts: d.Transcripts,
		objects:     d.Objects,
		builder:     site.NewBuilder(),
		policy:      d.Policy,
		metrics:     d.Metrics,
		sitePrefix:  d.SitePrefix,
		now:         time.Now,
	}
}

// Run advances a job from its current status until it completes, pauses
// for review, fails or is cancelled. A failed stage is recorded on the job
// and also returned.
func (p *Pipeline) Run(ctx context.Context, mode, id string) error {
	job, err := p.store.GetJob(ctx, mode, id)
	if err != nil {
		return err
	}

	slog.Info("pipeline run started", "job_id", id, "mode", mode, "status", job.Status)
	switch job.Status {
	case models.JobPending:
		err = p.runFull(ctx, job)
	case models.JobPendingRegeneration:
		err = p.runRegeneration(ctx, job)
	case models.JobGeneratingSiteConfig:
		err = p.publish(ctx, job, false)
	default:
		return failure.Conflict("run", "job", string(job.Status))
	}

	if errors.Is(err, ErrJobCancelled) {
		slog.Info("job cancelled, discarding stage results", "job_id", id, "mode", mode)
		return nil
	}
	return err
}

func (p *Pipeline) runFull(ctx context.Context, job *models.Job) error {
	job, err := p.stage(ctx, job, models.JobGeneratingArtifacts, p.generateArtifacts)
	if err != nil {
		return err
	}
	job, err = p.stage(ctx, job, models.JobExtractingEntities, p.extractEntities(nil))
	if err != nil {
		return err
	}
	if !job.Config.SkipEntityReview {
		if _, err := p.jobs.advance(ctx, job, job.Status, models.JobAwaitingEntityReview); err != nil {
			return err
		}
		slog.Info("job awaiting entity review", "job_id", job.ID, "mode", job.Mode)
		return nil
	}
	return p.toPublish(ctx, job, false)
}

// runRegeneration re-extracts entities from edited artifacts and publishes
// again, overwriting the deployed site. Artifacts are not regenerated.
func (p *Pipeline) runRegeneration(ctx context.Context, job *models.Job) error {
	var edited []string
	if job.Config.Regeneration != nil {
		edited = job.Config.Regeneration.EditedArtifactIDs
	}
	if len(edited) > 0 {
		var err error
		job, err = p.stage(ctx, job, models.JobExtractingEntities, p.extractEntities(edited))
		if err != nil {
			return err
		}
	}
	return p.toPublish(ctx, job, true)
}

func (p *Pipeline) toPublish(ctx context.Context, job *models.Job, overwrite bool) error {
	next, err := p.jobs.advance(ctx, job, job.Status, models.JobGeneratingSiteConfig)
	if err != nil {
		return p.abort(ctx, job, err)
	}
	return p.publish(ctx, next, overwrite)
}

// publish runs site config, build and deploy for a job that is already in
// generating_site_config.
func (p *Pipeline) publish(ctx context.Context, job *models.Job, overwrite bool) error {
	var (
		cfg   models.SiteConfig
		docs  []models.Artifact
		files []site.File
	)
	err := p.exec(ctx, job, func(ctx context.Context, job *models.Job) error {
		var err error
		cfg, docs, err = p.siteConfig(ctx, job)
		return err
	})
	if err != nil {
		return err
	}

	job, err = p.stage(ctx, job, models.JobBuilding, func(_ context.Context, job *models.Job) error {
		var err error
		files, err = p.builder.Build(cfg, docs)
		return err
	})
	if err != nil {
		return err
	}

	job, err = p.stage(ctx, job, models.JobDeploying, func(ctx context.Context, job *models.Job) error {
		return p.deploy(ctx, job, files, overwrite)
	})
	if err != nil {
		return err
	}

	done, err := p.jobs.advance(ctx, job, models.JobDeploying, models.JobCompleted)
	if err != nil {
		return p.abort(ctx, job, err)
	}
	slog.Info("job completed", "job_id", done.ID, "mode", done.Mode, "pages", len(cfg.Pages), "entities", len(cfg.Entities))
	return nil
}

// stage moves job into status and runs fn there.
func (p *Pipeline) stage(ctx context.Context, job *models.Job, status models.JobStatus, fn func(context.Context, *models.Job) error) (*models.Job, error) {
	next, err := p.jobs.advance(ctx, job, job.Status, status)
	if err != nil {
		return nil, p.abort(ctx, job, err)
	}
	if err := p.exec(ctx, next, fn); err != nil {
		return nil, err
	}
	return next, nil
}

// exec runs fn in the job's current status and records a failure on the job.
func (p *Pipeline) exec(ctx context.Context, job *models.Job, fn func(context.Context, *models.Job) error) error {
	start := time.Now()
	err := fn(ctx, job)
	p.metrics.RecordStage(string(job.Status), time.Since(start), err)
	if err == nil {
		return nil
	}
	return p.abort(ctx, job, err)
}

// abort fails the job unless err is a cancellation.
func (p *Pipeline) abort(ctx context.Context, job *models.Job, err error) error {
	if errors.Is(err, ErrJobCancelled) {
		return err
	}
	if ferr := p.jobs.fail(ctx, job, err); ferr != nil {
		slog.Error("failed to record job failure", "job_id", job.ID, "error", ferr)
	}
	return err
}

// Stage: generating_artifacts

func (p *Pipeline) generateArtifacts(ctx context.Context, job *models.Job) error {
	types, ok := models.WorkflowArtifacts(job.Workflow)
	if !ok {
		return failure.Newf(failure.KindInvalidWorkflow, "unknown workflow %q", job.Workflow)
	}

	raw, err := retry.Value(ctx, p.policy, readTranscriptCall, func(ctx context.Context) (string, error) {
		return p.transcripts.ReadTranscript(ctx, job.TranscriptPath)
	})
	if err != nil {
		return err
	}
	transcript := parser.ParseTranscript(raw)
	title := models.FirstNonEmpty(job.Config.Title, transcript.Title, strings.TrimSuffix(path.Base(job.TranscriptPath), path.Ext(job.TranscriptPath)))

	steps := len(types) + 1
	produced := make(map[models.ArtifactType]string, len(types))
	for i, t := range types {
		prompt := artifactPrompt(t, title, transcript.Body, produced)
		content, err := retry.Value(ctx, p.policy, retry.Generation, func(ctx context.Context) (string, error) {
			return p.gen.Generate(ctx, prompt)
		})
		if err != nil {
			return err
		}
		if err := p.save(ctx, job, t, title, content); err != nil {
			return err
		}
		produced[t] = content
		p.jobs.progress(ctx, job, (i+1)*100/steps)
	}

	if p.research == nil {
		return nil
	}
	outcome, err := p.research.Run(ctx, research.Query{
		Topic:    title,
		Entities: researchEntities(job.Config.ResearchEntities, transcript.GetFrontmatterStringSlice("entities")),
		Context:  produced[models.ArtifactBrief],
	})
	if err != nil {
		return err
	}
	if outcome.Narrative == "" {
		return nil
	}
	return p.save(ctx, job, models.ArtifactNarrativeResearch, title+" research", outcome.Narrative)
}

func artifactPrompt(t models.ArtifactType, title, transcript string, produced map[models.ArtifactType]string) llm.Prompt {
	switch t {
	case models.ArtifactBrief:
		return llm.BriefPrompt(title, produced[models.ArtifactCleanedTranscript])
	case models.ArtifactStrategicQuestions:
		return llm.StrategicQuestionsPrompt(title, produced[models.ArtifactBrief], produced[models.ArtifactCleanedTranscript])
	default:
		return llm.CleanTranscriptPrompt(title, transcript)
	}
}

// researchEntities merges configured and frontmatter entity names, first
// seen first, case-insensitively unique. Query.Normalize caps the count.
func researchEntities(lists ...[]string) []string {
	var out []string
	for _, list := range lists {
		for _, name := range list {
			name = strings.TrimSpace(name)
			if name == "" || slices.ContainsFunc(out, func(s string) bool { return strings.EqualFold(s, name) }) {
				continue
			}
			out = append(out, name)
		}
	}
	return out
}

// save stores an artifact if the job is still in the status that produced it.
func (p *Pipeline) save(ctx context.Context, job *models.Job, t models.ArtifactType, title, content string) error {
	if err := p.jobs.stillIn(ctx, job, job.Status); err != nil {
		return err
	}
	a := &models.Artifact{
		Mode:    job.Mode,
		JobID:   job.ID,
		Type:    t,
		Title:   title,
		Content: content,
	}
	if t.IsDocument() {
		a.Sections = parser.ParseSections(content)
	}
	return retry.Do(ctx, p.policy, saveArtifactCall, func(ctx context.Context) error {
		return p.store.SaveArtifact(ctx, a)
	})
}

// Stage: extracting_entities

// extractEntities extracts from the job's documents, or only from the
// artifacts in only when it is non-nil.
func (p *Pipeline) extractEntities(only []string) func(context.Context, *models.Job) error {
	return func(ctx context.Context, job *models.Job) error {
		artifacts, err := p.listArtifacts(ctx, job)
		if err != nil {
			return failure.New(failure.KindStorageError, err)
		}
		var docs []models.Artifact
		for _, a := range artifacts {
			if a.Type.IsDocument() && (only == nil || slices.Contains(only, a.ID)) {
				docs = append(docs, a)
			}
		}
		if len(docs) == 0 {
			return nil
		}

		batch := make([]DocumentCandidates, 0, len(docs))
		for i, doc := range docs {
			cands, err := p.registry.Extract(ctx, job.Mode, doc)
			if err != nil {
				return err
			}
			batch = append(batch, DocumentCandidates{Artifact: doc, Candidates: cands})
			p.jobs.progress(ctx, job, (i+1)*80/len(docs))
		}

		if err := p.jobs.stillIn(ctx, job, job.Status); err != nil {
			return err
		}
		res, err := p.registry.Ingest(ctx, job.Mode, job.ID, batch)
		if err != nil {
			return err
		}
		err = retry.Do(ctx, p.policy, opportunityCall, func(ctx context.Context) error {
			_, err := p.registry.RebuildOpportunityIndex(ctx, job.Mode)
			return err
		})
		if err != nil {
			slog.Warn("opportunity index rebuild failed", "job_id", job.ID, "mode", job.Mode, "error", err)
		}

		set, err := json.MarshalIndent(res.Candidates, "", "  ")
		if err != nil {
			return fmt.Errorf("encode entity set: %w", err)
		}
		return p.save(ctx, job, models.ArtifactEntitySet, "Entities", string(set))
	}
}

// listArtifacts reads the job's artifacts with retries.
func (p *Pipeline) listArtifacts(ctx context.Context, job *models.Job) ([]models.Artifact, error) {
	return retry.Value(ctx, p.policy, listArtifactsCall, func(ctx context.Context) ([]models.Artifact, error) {
		return p.store.ListArtifacts(ctx, job.Mode, job.ID)
	})
}

// Stage: generating_site_config

func (p *Pipeline) siteConfig(ctx context.Context, job *models.Job) (models.SiteConfig, []models.Artifact, error) {
	var cfg models.SiteConfig

	err := retry.Do(ctx, p.policy, backlinksCall, func(ctx context.Context) error {
		_, err := p.registry.RecalculateBacklinks(ctx, job.Mode)
		return err
	})
	if err != nil {
		return cfg, nil, failure.New(failure.KindStorageError, err)
	}
	artifacts, err := p.listArtifacts(ctx, job)
	if err != nil {
		return cfg, nil, failure.New(failure.KindStorageError, err)
	}
	var docs []models.Artifact
	for _, a := range artifacts {
		if a.Type.IsDocument() {
			docs = append(docs, a)
		}
	}

	entities, err := p.siteEntities(ctx, job)
	if err != nil {
		return cfg, nil, err
	}
	apps, err := retry.Value(ctx, p.policy, appearanceReadCall, func(ctx context.Context) ([]models.EntityAppearance, error) {
		return p.store.ListAllAppearances(ctx, job.Mode)
	})
	if err != nil {
		return cfg, nil, failure.New(failure.KindStorageError, err)
	}
	related, err := p.relatedLinks(ctx, job, docs)
	if err != nil {
		return cfg, nil, err
	}

	cfg = site.Assemble(site.Input{
		Job:         *job,
		Documents:   docs,
		Entities:    entities,
		Appearances: apps,
		Related:     related,
		BasePath:    "/" + site.Prefix(p.sitePrefix, job.Mode, job.ID) + "/",
	}, p.now())

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return cfg, nil, fmt.Errorf("encode site config: %w", err)
	}
	if err := p.save(ctx, job, models.ArtifactSiteConfig, cfg.Title, string(data)); err != nil {
		return cfg, nil, err
	}
	return cfg, docs, nil
}

// siteEntities lists approved entities, plus pending ones when the job
// skipped review.
func (p *Pipeline) siteEntities(ctx context.Context, job *models.Job) ([]models.Entity, error) {
	statuses := []models.ReviewStatus{models.ReviewApproved}
	if job.Config.SkipEntityReview {
		statuses = append(statuses, models.ReviewPending)
	}
	var out []models.Entity
	for _, status := range statuses {
		list, err := retry.Value(ctx, p.policy, listEntitiesCall, func(ctx context.Context) ([]models.Entity, error) {
			return p.store.ListEntities(ctx, job.Mode, models.EntityFilter{ReviewStatus: status})
		})
		if err != nil {
			return nil, failure.New(failure.KindStorageError, err)
		}
		out = append(out, list...)
	}
	return out, nil
}

// relatedLinks resolves backlinks of each document to page links, relative
// to the job's site.
func (p *Pipeline) relatedLinks(ctx context.Context, job *models.Job, docs []models.Artifact) (map[string][]string, error) {
	out := make(map[string][]string, len(docs))
	for _, d := range docs {
		links, err := retry.Value(ctx, p.policy, relatedCall, func(ctx context.Context) ([]models.Backlink, error) {
			return p.registry.RelatedDocuments(ctx, job.Mode, d.ID, relatedDocuments)
		})
		if err != nil {
			return nil, failure.New(failure.KindStorageError, err)
		}
		for _, l := range links {
			other, err := retry.Value(ctx, p.policy, getArtifactCall, func(ctx context.Context) (*models.Artifact, error) {
				return p.store.GetArtifact(ctx, job.Mode, l.RelatedArtifactID)
			})
			if errors.Is(err, failure.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, failure.New(failure.KindStorageError, err)
			}
			href := site.PagePath(other.Type)
			if other.JobID != job.ID {
				href = "../" + other.JobID + "/" + href
			}
			out[d.ID] = append(out[d.ID], href)
		}
	}
	return out, nil
}

// Stage: deploying

func (p *Pipeline) deploy(ctx context.Context, job *models.Job, files []site.File, overwrite bool) error {
	start := time.Now()
	prefix := site.Prefix(p.sitePrefix, job.Mode, job.ID)

	written, skipped := 0, 0
	for i, f := range files {
		ok, err := retry.Value(ctx, p.policy, deployCall, func(ctx context.Context) (bool, error) {
			return p.objects.Put(ctx, path.Join(prefix, f.Path), f.Data, f.ContentType, overwrite)
		})
		if err != nil {
			return err
		}
		if ok {
			written++
		} else {
			skipped++
		}
		p.jobs.progress(ctx, job, (i+1)*100/len(files))
	}

	p.metrics.RecordTiming(metrics.OpDeploy, time.Since(start))
	slog.Info("site deployed", "job_id", job.ID, "mode", job.Mode, "prefix", prefix, "written", written, "skipped", skipped, "overwrite", overwrite)
	return nil
}
