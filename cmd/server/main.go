// Questline - scored learning challenge server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/questline/internal/api"
	"github.com/ashureev/questline/internal/catalog"
	"github.com/ashureev/questline/internal/config"
	"github.com/ashureev/questline/internal/identity"
	"github.com/ashureev/questline/internal/llm"
	"github.com/ashureev/questline/internal/metrics"
	"github.com/ashureev/questline/internal/middleware"
	"github.com/ashureev/questline/internal/orchestrator"
	"github.com/ashureev/questline/internal/session"
	"github.com/ashureev/questline/internal/store"
	"github.com/ashureev/questline/internal/sweeper"
	"github.com/ashureev/questline/internal/telemetry"
	"github.com/ashureev/questline/internal/transcript"
)

const (
	backlogPruneInterval = 10 * time.Minute
	backlogMaxAge        = time.Hour
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("Failed to flush traces", "error", err)
		}
	}()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	cat, err := loadCatalog(cfg.ChallengesDir)
	if err != nil {
		return err
	}
	slog.Info("Challenge catalog loaded", "challenges", cat.Len(), "dir", cfg.ChallengesDir)

	router, closeProviders := newRouter(cfg, logger)
	defer closeProviders()

	tlog, err := transcript.New(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tlog.Close(); err != nil {
			slog.Error("Failed to close transcript log", "error", err)
		}
	}()

	m := metrics.New()
	orch := orchestrator.New(router, orchestrator.Config{
		Timeout:    cfg.LLM.Timeout,
		Transcript: tlog,
		Metrics:    m,
		Logger:     logger,
	})
	hub := api.NewHub(api.DefaultBacklog, logger)
	svc := session.NewService(repo, cat, orch, session.Config{
		MaxTasksPerRequest: cfg.MaxTasks,
		Metrics:            m,
		Publisher:          hub,
		Logger:             logger,
	})
	hints := api.NewHintLimiter(cfg.HintsPerMin)
	sw := sweeper.New(repo, svc, sweeper.Config{
		TTL:      cfg.SessionIdle,
		Interval: cfg.SweepInterval,
		Metrics:  m,
		Logger:   logger,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	api.NewHealthHandler(repo, m).RegisterRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		api.NewHandler(svc, cat, hub, hints, api.Config{
			AllowedOrigin: cfg.FrontendURL,
			IsDev:         cfg.IsDevelopment(),
			Metrics:       m,
			Logger:        logger,
		}).RegisterRoutes(r)
	})

	// No WriteTimeout: session streams are long-lived websockets.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sw.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx, backlogPruneInterval, backlogMaxAge) })
	g.Go(func() error { return hints.Run(gctx) })

	return g.Wait()
}

func loadCatalog(dir string) (*catalog.Catalog, error) {
	if dir == "" {
		return catalog.Default()
	}
	return catalog.LoadDir(dir)
}

// newRouter registers every provider that has credentials. The default
// provider falls back to one that always fails, so narration degrades and
// evaluations score zero instead of the server refusing to start.
func newRouter(cfg *config.Config, logger *slog.Logger) (*llm.Router, func()) {
	router := llm.NewRouter(cfg.LLM.DefaultProvider, cfg.LLM.DefaultModel)
	closers := []func(){}

	keys := cfg.Providers
	if keys.OpenAIKey != "" {
		router.Register(llm.NewOpenAI(llm.OpenAIConfig{APIKey: keys.OpenAIKey, BaseURL: keys.OpenAIBaseURL}))
	}
	if keys.GeminiKey != "" {
		router.Register(llm.NewOpenAI(llm.OpenAIConfig{Name: "gemini", APIKey: keys.GeminiKey, BaseURL: keys.GeminiBaseURL}))
	}
	if keys.AnthropicKey != "" {
		router.Register(llm.NewAnthropic(llm.AnthropicConfig{APIKey: keys.AnthropicKey}))
	}
	if addr := cfg.LLM.SidecarAddr; addr != "" {
		sidecar, err := llm.NewSidecar(llm.DefaultSidecarConfig(addr), logger)
		if err != nil {
			slog.Warn("Model sidecar unavailable, skipping", "address", addr, "error", err)
		} else {
			router.Register(sidecar)
			closers = append(closers, sidecar.Close)
		}
	}

	registered := router.Names()
	if !slices.Contains(registered, cfg.LLM.DefaultProvider) {
		slog.Warn("Default LLM provider not configured, model calls will degrade",
			"provider", cfg.LLM.DefaultProvider, "registered", registered)
		router.Register(llm.Unavailable{ProviderName: cfg.LLM.DefaultProvider})
	}
	slog.Info("LLM providers ready", "providers", router.Names(), "default", cfg.LLM.DefaultProvider)

	return router, func() {
		for _, c := range closers {
			c()
		}
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
