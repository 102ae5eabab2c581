package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/models"
	"github.com/raphaelgruber/minutegraph/internal/service"
)

// maxBodyBytes caps request bodies; section content is the largest payload.
const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps the failure taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, failure.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, failure.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, failure.ErrConflict), errors.Is(err, failure.ErrStaleWrite):
		return http.StatusConflict
	}
	if k, ok := failure.KindOf(err); ok {
		switch k {
		case failure.KindProviderError, failure.KindInvalidResponse:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	resp := errorResponse{Error: err.Error()}
	if k, ok := failure.KindOf(err); ok {
		resp.Kind = string(k)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return failure.Invalid("body", err.Error())
	}
	return nil
}

// intParam parses an optional non-negative query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, failure.Invalid(name, fmt.Sprintf("not a non-negative integer: %q", raw))
	}
	return n, nil
}

// =============================================================================
// JOBS
// =============================================================================

type createJobRequest struct {
	Workflow       string           `json:"workflow"`
	TranscriptPath string           `json:"transcript_path"`
	Config         models.JobConfig `json:"config"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request, mode string) {
	var req createJobRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.app.Jobs.Create(r.Context(), service.CreateJobInput{
		Mode:           mode,
		Workflow:       req.Workflow,
		TranscriptPath: req.TranscriptPath,
		Config:         req.Config,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.app.Worker.Trigger()
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, mode string) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := models.JobFilter{Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, models.JobStatus(strings.TrimSpace(st)))
		}
	}
	jobs, err := s.app.Jobs.List(r.Context(), mode, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, mode string) {
	job, err := s.app.Jobs.Get(r.Context(), mode, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobAction serves cancel, retry, regenerate and resume.
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request, mode string) {
	id := r.PathValue("id")
	var (
		job *models.Job
		err error
	)
	switch action := r.PathValue("action"); action {
	case "cancel":
		job, err = s.app.Jobs.Cancel(r.Context(), mode, id)
	case "retry":
		job, err = s.app.Jobs.Retry(r.Context(), mode, id)
	case "regenerate":
		job, err = s.app.Jobs.Regenerate(r.Context(), mode, id)
	case "resume":
		job, err = s.app.Jobs.Resume(r.Context(), mode, id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if slices.Contains(models.Runnable, job.Status) {
		s.app.Worker.Trigger()
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request, mode string) {
	id := r.PathValue("id")
	if _, err := s.app.Jobs.Get(r.Context(), mode, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	artifacts, err := s.app.Store.ListArtifacts(r.Context(), mode, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Metrics.Snapshot())
}

// =============================================================================
// ENTITIES
// =============================================================================

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request, mode string) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	entities, err := s.app.Registry.List(r.Context(), mode, models.EntityFilter{
		Type:         q.Get("type"),
		ReviewStatus: models.ReviewStatus(q.Get("review_status")),
		Limit:        limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request, mode string) {
	e, err := s.app.Registry.Get(r.Context(), mode, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAppearances(w http.ResponseWriter, r *http.Request, mode string) {
	apps, err := s.app.Registry.Appearances(r.Context(), mode, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request, mode string) {
	k, err := intParam(r, "k", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	related, err := s.app.Registry.Related(r.Context(), mode, r.PathValue("id"), k)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, related)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request, mode string) {
	suggestions, err := s.app.Registry.SuggestDuplicates(r.Context(), mode, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if suggestions == nil {
		suggestions = []service.Suggestion{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}

type approveResponse struct {
	Entity      *models.Entity       `json:"entity"`
	Suggestions []service.Suggestion `json:"suggestions"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, mode string) {
	e, suggestions, err := s.app.Registry.Approve(r.Context(), mode, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if suggestions == nil {
		suggestions = []service.Suggestion{}
	}
	writeJSON(w, http.StatusOK, approveResponse{Entity: e, Suggestions: suggestions})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request, mode string) {
	e, err := s.app.Registry.Reject(r.Context(), mode, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type mergeRequest struct {
	TargetID string  `json:"target_id"`
	Rename   *string `json:"rename,omitempty"`
}

// handleMerge folds the entity in the path into target_id.
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request, mode string) {
	var req mergeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := s.app.Registry.Merge(r.Context(), mode, models.MergeRequest{
		SourceID: r.PathValue("id"),
		TargetID: req.TargetID,
		Rename:   req.Rename,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleOpportunity(w http.ResponseWriter, r *http.Request, mode string) {
	entities, err := s.app.Registry.EntitiesForOpportunity(r.Context(), mode, r.PathValue("tag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

type rebuildResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleRebuildOpportunities(w http.ResponseWriter, r *http.Request, mode string) {
	n, err := s.app.Registry.RebuildOpportunityIndex(r.Context(), mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rebuildResponse{Count: n})
}

func (s *Server) handleRebuildBacklinks(w http.ResponseWriter, r *http.Request, mode string) {
	n, err := s.app.Registry.RecalculateBacklinks(r.Context(), mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rebuildResponse{Count: n})
}

// =============================================================================
// ARTIFACTS AND SECTIONS
// =============================================================================

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request, mode string) {
	a, err := s.app.Store.GetArtifact(r.Context(), mode, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRelatedDocuments(w http.ResponseWriter, r *http.Request, mode string) {
	k, err := intParam(r, "k", 5)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	links, err := s.app.Registry.RelatedDocuments(r.Context(), mode, r.PathValue("id"), k)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) handleListSections(w http.ResponseWriter, r *http.Request, mode string) {
	sections, err := s.app.Sections.List(r.Context(), mode, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sections)
}

type editSectionRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleEditSection(w http.ResponseWriter, r *http.Request, mode string) {
	var req editSectionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.app.Sections.Edit(r.Context(), mode, r.PathValue("id"), r.PathValue("section"), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type regenerateSectionRequest struct {
	Instructions string `json:"instructions,omitempty"`
}

func (s *Server) handleRegenerateSection(w http.ResponseWriter, r *http.Request, mode string) {
	var req regenerateSectionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.app.Sections.Regenerate(r.Context(), mode, r.PathValue("id"), r.PathValue("section"), req.Instructions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
