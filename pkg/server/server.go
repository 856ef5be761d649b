// Package server provides the public entry point for initializing the
// tool gate sidecar.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	err = srv.Run(ctx) // blocks until ctx is cancelled
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Lukeus/my-context-kit-sub013/internal/api"
	"github.com/Lukeus/my-context-kit-sub013/internal/api/handlers"
	"github.com/Lukeus/my-context-kit-sub013/internal/capability"
	"github.com/Lukeus/my-context-kit-sub013/internal/config"
	"github.com/Lukeus/my-context-kit-sub013/internal/health"
	"github.com/Lukeus/my-context-kit-sub013/internal/ledger"
	"github.com/Lukeus/my-context-kit-sub013/internal/orchestrator"
	"github.com/Lukeus/my-context-kit-sub013/internal/safety"
	"github.com/Lukeus/my-context-kit-sub013/internal/sessions"
	"github.com/Lukeus/my-context-kit-sub013/internal/telemetry"
	"github.com/Lukeus/my-context-kit-sub013/internal/tools"
	"github.com/Lukeus/my-context-kit-sub013/pkg/contracts"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 15 * time.Second

// Server holds the initialized sidecar.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Orchestrator *orchestrator.Orchestrator
	Monitor      *health.Monitor
	Sweeper      *ledger.Sweeper
	// Watcher is nil unless a manifest file is watched.
	Watcher *capability.Watcher

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all sidecar components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the sidecar with an explicit configuration and
// loads the initial capability manifest.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	recorder := telemetry.NewRecorder(cfg.Ledger.MaxEvents)
	ldg := ledger.NewLedger()

	monitor := health.NewMonitor(newProbe(cfg.Health), health.Options{
		Interval:          cfg.Health.Interval,
		BackoffMultiplier: cfg.Health.BackoffMultiplier,
		MaxInterval:       cfg.Health.MaxInterval,
		ProbeTimeout:      cfg.Health.ProbeTimeout,
	})
	monitor.OnStatusChange = func(prev, next models.HealthSnapshot) {
		recorder.Record(telemetry.HealthSnapshot(prev, next))
	}
	log.Info().Str("probe", probeName(cfg.Health)).Msg("Health monitor initialized")

	executor := newExecutor(cfg.Tools)
	log.Info().Strs("tools", executor.IDs()).Msg("Tool registry initialized")

	source := newManifestSource(cfg.Manifest)
	o := orchestrator.New(orchestrator.Deps{
		Sessions:  sessions.NewMemorySessionStore(),
		Executor:  executor,
		Manifests: source,
		Health:    monitor,
		Ledger:    ldg,
		Recorder:  recorder,
	}, orchestrator.Options{
		ConcurrencyLimit: cfg.Admission.ConcurrencyLimit,
		Gating: safety.GatingOptions{
			ClassificationEnforced: cfg.Gating.EnforceClassification,
			ReasonMinLength:        cfg.Gating.ReasonMinLength,
		},
		ApprovalTTL:      cfg.Gating.ApprovalTTL,
		RefreshPerMinute: cfg.Manifest.RefreshPerMinute,
	})

	m, err := o.LoadManifest(ctx, source)
	if err != nil {
		// The fallback or previous manifest stays installed.
		log.Warn().Err(err).Str("source", string(source.Kind())).Msg("Initial capability manifest not accepted")
	} else {
		log.Info().
			Str("manifest_id", m.ManifestID).
			Str("source", string(m.Source)).
			Int("capabilities", len(m.Capabilities)).
			Msg("Capability manifest loaded")
	}

	srv := &Server{
		Orchestrator: o,
		Monitor:      monitor,
		Sweeper:      ledger.NewSweeper(ldg, cfg.Ledger.SweepInterval, cfg.Ledger.Retention),
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}
	if cfg.Manifest.Path != "" && cfg.Manifest.WatchFile {
		srv.Watcher = capability.NewWatcher(cfg.Manifest.Path, func(ctx context.Context) {
			if _, err := o.LoadManifest(ctx, source); err != nil {
				log.Warn().Err(err).Msg("Reloaded capability manifest not accepted")
				return
			}
			log.Info().Str("path", cfg.Manifest.Path).Msg("Capability manifest reloaded")
		})
	}

	srv.Handler = api.NewRouter(cfg, handlers.New(o, cfg.Version))
	return srv, nil
}

// Run serves HTTP and runs the background loops until ctx is cancelled,
// then aborts live invocations and drains the HTTP server.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.Port),
		Handler:      s.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // telemetry stream is long-lived
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", s.Port).Msg("Tool gate listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	s.Monitor.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		s.Monitor.Stop()
		return nil
	})

	g.Go(func() error {
		s.Sweeper.Start(gctx)
		return nil
	})

	if s.Watcher != nil {
		g.Go(func() error {
			if err := s.Watcher.Run(gctx); err != nil {
				// Refresh over HTTP still works without the watcher.
				log.Warn().Err(err).Msg("Manifest watcher unavailable")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")
		s.Orchestrator.Shutdown("sidecar shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		if s.ShutdownFunc != nil {
			if err := s.ShutdownFunc(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Telemetry shutdown failed")
			}
		}
		return nil
	})

	return g.Wait()
}

// ── Wiring ──────────────────────────────────────────────────

func newProbe(cfg config.HealthConfig) contracts.HealthProbe {
	if cfg.ProbeURL == "" {
		return health.StaticProbe{}
	}
	return health.NewHTTPProbe(cfg.ProbeURL)
}

func probeName(cfg config.HealthConfig) string {
	if cfg.ProbeURL == "" {
		return "static"
	}
	return cfg.ProbeURL
}

// newExecutor registers the local tool handlers. Tools without a local
// handler go to the remote MCP endpoint when one is configured.
func newExecutor(cfg config.ToolsConfig) *tools.Registry {
	reg := tools.NewRegistry()
	tools.NewContextReader(cfg.RepoPath).Register(reg)
	tools.NewPipelineRunner(cfg.RepoPath, cfg.PackageManager, cfg.PipelineTimeout).Register(reg)
	tools.NewRepoTool(cfg.RepoPath, cfg.PipelineTimeout).Register(reg)
	if cfg.RemoteEndpoint != "" {
		reg.SetFallback(tools.NewRemoteTool(cfg.RemoteEndpoint, cfg.RemoteToken, cfg.PipelineTimeout))
		log.Info().Str("endpoint", cfg.RemoteEndpoint).Msg("Remote MCP tools enabled")
	}
	return reg
}

func newManifestSource(cfg config.ManifestConfig) contracts.ManifestSource {
	switch {
	case cfg.Path != "":
		return capability.NewFileSource(cfg.Path)
	case cfg.URL != "":
		return capability.NewHTTPSource(cfg.URL, cfg.CacheDir, cfg.FetchTimeout)
	}
	return capability.BuiltinSource{}
}
