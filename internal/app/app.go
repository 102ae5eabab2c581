// Package app wires the store, providers and services from configuration.
// Both binaries and the CLI build their dependencies here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/raphaelgruber/minutegraph/internal/config"
	"github.com/raphaelgruber/minutegraph/internal/db"
	"github.com/raphaelgruber/minutegraph/internal/events"
	"github.com/raphaelgruber/minutegraph/internal/llm"
	"github.com/raphaelgruber/minutegraph/internal/memstore"
	"github.com/raphaelgruber/minutegraph/internal/metrics"
	"github.com/raphaelgruber/minutegraph/internal/models"
	"github.com/raphaelgruber/minutegraph/internal/research"
	"github.com/raphaelgruber/minutegraph/internal/retry"
	"github.com/raphaelgruber/minutegraph/internal/service"
	"github.com/raphaelgruber/minutegraph/internal/storage"
)

// Options tune what New connects to.
type Options struct {
	// Memory keeps everything in process instead of SurrealDB.
	Memory bool
	// Generator replaces the configured LLM. Used by tests and dry runs.
	Generator service.Generator
	// Providers replaces the configured research providers.
	Providers []research.Provider
	Logger    *slog.Logger
}

// App holds every long-lived dependency.
type App struct {
	Config     config.Config
	Store      service.Store
	Jobs       *service.JobManager
	Pipeline   *service.Pipeline
	Worker     *service.Worker
	Registry   *service.EntityRegistry
	Sections   *service.SectionService
	Research   *service.ResearchOrchestrator
	Metrics    *metrics.Collector
	Prometheus *prometheus.Registry

	db        *db.Client
	publisher *events.Publisher
	subs      []*nats.Subscription
}

// New connects the store and builds the services. Close releases what it
// opened.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector().WithPrometheus(metrics.NewPrometheusRecorder(reg))

	a := &App{Config: cfg, Metrics: mc, Prometheus: reg}

	if opts.Memory {
		log.Info("using in-memory store")
		a.Store = memstore.New()
	} else {
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := client.InitSchema(ctx); err != nil {
			client.Close(ctx)
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
		a.db = client
		a.Store = client
	}

	gen := opts.Generator
	if gen == nil {
		model, err := llm.NewModel(ctx, cfg, mc)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("init model: %w", err)
		}
		gen = model
	}

	providers := opts.Providers
	if providers == nil {
		providers = ResearchProviders(cfg, log)
	}

	objects, err := storage.NewObjects(ctx, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init site storage: %w", err)
	}
	transcripts, err := storage.NewTranscripts(ctx, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init transcript source: %w", err)
	}

	var notifier service.Notifier
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			// Events are optional; the worker still polls.
			log.Warn("job events disabled", "error", err)
		} else {
			a.publisher = pub
			notifier = pub
		}
	}

	policy := retry.PolicyFromConfig(cfg)
	a.Jobs = service.NewJobManager(a.Store, notifier, mc)
	a.Registry = service.NewEntityRegistry(a.Store, gen, policy)
	a.Sections = service.NewSectionService(a.Store, gen, policy)
	a.Research = service.NewResearchOrchestrator(providers, gen, policy, cfg.ResearchTimeout, mc)
	a.Pipeline = service.NewPipeline(service.PipelineDeps{
		Jobs:        a.Jobs,
		Store:       a.Store,
		Generator:   gen,
		Research:    a.Research,
		Registry:    a.Registry,
		Transcripts: transcripts,
		Objects:     objects,
		Policy:      policy,
		Metrics:     mc,
		SitePrefix:  cfg.SitePrefix,
	})
	a.Worker = service.NewWorker(a.Pipeline, a.Store, models.Modes(), cfg.WorkerPoll)

	return a, nil
}

// ResearchProviders builds a client for every provider with a key. Missing
// keys are logged and skipped.
func ResearchProviders(cfg config.Config, log *slog.Logger) []research.Provider {
	var providers []research.Provider
	add := func(name string, p research.Provider, err error) {
		if err != nil {
			log.Warn("research provider disabled", "provider", name, "error", err)
			return
		}
		providers = append(providers, p)
	}

	perplexity, err := research.NewPerplexityClient(cfg.PerplexityAPIKey, cfg.PerplexityModel, "")
	add("perplexity", perplexity, err)
	exa, err := research.NewExaClient(cfg.ExaAPIKey, "")
	add("exa", exa, err)
	tavily, err := research.NewTavilyClient(cfg.TavilyAPIKey, "")
	add("tavily", tavily, err)
	return providers
}

// WakeOnEvents subscribes the worker to runnable job events so it does not
// wait for the next poll. A no-op without NATS.
func (a *App) WakeOnEvents() error {
	if a.publisher == nil {
		return nil
	}
	subs, err := a.publisher.SubscribeRunnable(func(ev events.Event) {
		slog.Debug("job became runnable", "job_id", ev.JobID, "mode", ev.Mode, "status", ev.To)
		a.Worker.Trigger()
	})
	if err != nil {
		return err
	}
	a.subs = subs
	return nil
}

// Ping checks the store is reachable. The in-memory store always is.
func (a *App) Ping(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(ctx)
}

// WipeData deletes all data from the database. Use for testing only.
func (a *App) WipeData(ctx context.Context) error {
	if a.db == nil {
		return errors.New("wipe is only supported on the database store")
	}
	return a.db.WipeData(ctx)
}

// Close releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for _, s := range a.subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
