// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/concord/internal/api"
	"github.com/starford/concord/internal/convert"
	"github.com/starford/concord/internal/docservice"
	"github.com/starford/concord/internal/index"
	"github.com/starford/concord/internal/parser"
	"github.com/starford/concord/internal/sse"
	"github.com/starford/concord/internal/storage"
)

// stack is the wired set of components every command runs on.
type stack struct {
	store *storage.FS
	db    *index.DB
	orch  *convert.Orchestrator
	svc   *docservice.Service
}

func (s *stack) Close() error {
	return s.db.Close()
}

// setup applies opts, validates the config and installs the logger.
func setup(opts []Option, logTo io.Writer) (*application, error) {
	app := &application{out: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.logger == nil {
		app.logger = slog.New(slog.NewJSONHandler(logTo, &slog.HandlerOptions{
			Level: app.config.App.LogLevel,
		}))
	}
	slog.SetDefault(app.logger)
	return app, nil
}

// open wires storage, the graph index, the orchestrator and the document service.
func open(cfg *Config, logger *slog.Logger, onEvent convert.EventCallback) (*stack, error) {
	// Ensure corpus directory exists.
	if err := os.MkdirAll(cfg.Corpus.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create corpus dir: %w", err)
	}

	store, err := storage.NewFS(cfg.Corpus.Path, cfg.Corpus.Extension)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := index.Open(cfg.SQLite.Path, index.WithTopN(cfg.Topics.TopN))
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	p := parser.New(store.Ext())
	orch, err := convert.New(db, p, store, convert.Options{
		Workers: cfg.Convert.Workers,
		Kinds:   cfg.Convert.RenderKinds(),
		Logger:  logger,
		OnEvent: onEvent,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	return &stack{
		store: store,
		db:    db,
		orch:  orch,
		svc:   docservice.NewService(store, db, orch, p, onEvent),
	}, nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := setup(opts, os.Stdout)
	if err != nil {
		return err
	}
	cfg, logger := app.config, app.logger

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("corpus_path", cfg.Corpus.Path),
		slog.String("extension", cfg.Corpus.Extension),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	st, err := open(cfg, logger, broker.PublishChange)
	if err != nil {
		return err
	}
	defer st.Close()

	// Run initial sync.
	report, err := convert.Sync(ctx, st.orch, st.store, logger)
	switch {
	case report == nil:
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	case err != nil:
		logger.Warn("initial sync finished with problems",
			slog.Int("converted", len(report.Converted)),
			slog.Int("failed", len(report.Failed)),
			slog.String("error", err.Error()))
	default:
		logger.Info("initial sync finished",
			slog.Int("converted", len(report.Converted)),
			slog.Int("unchanged", len(report.Unchanged)),
			slog.Int("rendered", report.Rendered))
	}

	apiRouter := api.NewRouter(st.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)
	site := api.NewSiteHandler(st.svc, st.store.Ext())

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := st.db.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	// Rendered pages, behind the same auth as the API.
	r.Group(func(r chi.Router) {
		r.Use(api.AuthMiddleware(cfg.Auth.AuthEnabled(), cfg.Auth.Token))
		r.Get("/*", site.ServePage)
	})

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start file watcher; its conversions reach SSE clients through the orchestrator's callback.
	g.Go(func() error {
		if err := convert.Watch(gCtx, st.orch, st.store, cfg.Corpus.Path, logger); err != nil {
			logger.Error("watcher failed", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the watcher stops with the server.
var errShutdown = errors.New("shutdown")
