// ClassPulse - Adaptive Engagement Delivery Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/classpulse/classpulse/internal/api"
	"github.com/classpulse/classpulse/internal/config"
	"github.com/classpulse/classpulse/internal/fanout"
	"github.com/classpulse/classpulse/internal/middleware"
	"github.com/classpulse/classpulse/internal/orchestrator"
	"github.com/classpulse/classpulse/internal/questions"
	"github.com/classpulse/classpulse/internal/roster"
	"github.com/classpulse/classpulse/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies. DB_PATH=:memory: selects the ephemeral store
	// for local development.
	var repo store.Repository
	if cfg.DBPath == ":memory:" {
		repo = store.NewMemory()
	} else {
		sqliteRepo, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		repo = sqliteRepo
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Initialize services.
	hub := fanout.NewHub(cfg.SubscriberBuffer)
	questionService := questions.NewService(repo, questions.TemplateGenerator{})
	orc := orchestrator.New(repo, hub, questionService, nil, cfg.DefaultSessionConfig())

	// Initialize handlers.
	baseHandler := api.NewHandler(orc, questionService, repo)
	sessionHandler := api.NewSessionHandler(baseHandler)
	wsHandler := fanout.NewWebSocketHandler(orc, orc, questionService, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/health", baseHandler.Health)
	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/sessions/{id}", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket feeds stay open for the whole session
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start roster reconciliation.
	fetcher := roster.NewStaticFetcher()
	roster.StartReconciler(ctx, orc, fetcher, cfg.RosterReconcileInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	orc.Shutdown(shutdownCtx)

	slog.Info("Server stopped successfully")
}
