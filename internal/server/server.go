// Package server exposes the pipeline over HTTP: a JSON API scoped by mode,
// a websocket job watch and the Prometheus endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/minutegraph/internal/app"
	"github.com/raphaelgruber/minutegraph/internal/failure"
	"github.com/raphaelgruber/minutegraph/internal/metrics"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

// Server wraps the HTTP handlers with their dependencies.
type Server struct {
	app      *app.App
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	// watchInterval is how often a watch re-reads its job.
	watchInterval time.Duration
}

// New creates a server over a.
func New(a *app.App, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:    a,
		logger: logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		watchInterval: time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.app.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.mux.Handle("GET /metrics", metrics.HTTPHandler(s.app.Prometheus))
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	s.mux.HandleFunc("POST /api/{mode}/jobs", s.withMode(s.handleCreateJob))
	s.mux.HandleFunc("GET /api/{mode}/jobs", s.withMode(s.handleListJobs))
	s.mux.HandleFunc("GET /api/{mode}/jobs/{id}", s.withMode(s.handleGetJob))
	s.mux.HandleFunc("POST /api/{mode}/jobs/{id}/{action}", s.withMode(s.handleJobAction))
	s.mux.HandleFunc("GET /api/{mode}/jobs/{id}/artifacts", s.withMode(s.handleListArtifacts))
	s.mux.HandleFunc("GET /api/{mode}/jobs/{id}/watch", s.withMode(s.handleWatch))

	s.mux.HandleFunc("GET /api/{mode}/entities", s.withMode(s.handleListEntities))
	s.mux.HandleFunc("GET /api/{mode}/entities/{id}", s.withMode(s.handleGetEntity))
	s.mux.HandleFunc("GET /api/{mode}/entities/{id}/appearances", s.withMode(s.handleAppearances))
	s.mux.HandleFunc("GET /api/{mode}/entities/{id}/related", s.withMode(s.handleRelated))
	s.mux.HandleFunc("GET /api/{mode}/entities/{id}/suggestions", s.withMode(s.handleSuggestions))
	s.mux.HandleFunc("POST /api/{mode}/entities/{id}/approve", s.withMode(s.handleApprove))
	s.mux.HandleFunc("POST /api/{mode}/entities/{id}/reject", s.withMode(s.handleReject))
	s.mux.HandleFunc("POST /api/{mode}/entities/{id}/merge", s.withMode(s.handleMerge))

	s.mux.HandleFunc("GET /api/{mode}/opportunities/{tag}", s.withMode(s.handleOpportunity))
	s.mux.HandleFunc("POST /api/{mode}/opportunities/rebuild", s.withMode(s.handleRebuildOpportunities))
	s.mux.HandleFunc("POST /api/{mode}/backlinks/rebuild", s.withMode(s.handleRebuildBacklinks))

	s.mux.HandleFunc("GET /api/{mode}/artifacts/{id}", s.withMode(s.handleGetArtifact))
	s.mux.HandleFunc("GET /api/{mode}/artifacts/{id}/related", s.withMode(s.handleRelatedDocuments))
	s.mux.HandleFunc("GET /api/{mode}/artifacts/{id}/sections", s.withMode(s.handleListSections))
	s.mux.HandleFunc("PUT /api/{mode}/artifacts/{id}/sections/{section}", s.withMode(s.handleEditSection))
	s.mux.HandleFunc("POST /api/{mode}/artifacts/{id}/sections/{section}/regenerate", s.withMode(s.handleRegenerateSection))
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger)(s.mux)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long for section regeneration
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

type modeHandler func(w http.ResponseWriter, r *http.Request, mode string)

// withMode rejects requests for a mode no worker serves.
func (s *Server) withMode(h modeHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := r.PathValue("mode")
		if !slices.Contains(models.Modes(), mode) {
			s.writeError(w, r, failure.Invalid("mode", fmt.Sprintf("unknown mode %q", mode)))
			return
		}
		h(w, r, mode)
	}
}
