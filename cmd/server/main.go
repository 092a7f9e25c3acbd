// Matestay chat server: REST conversations and messages plus realtime delivery.
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

	"github.com/joho/godotenv"

	"github.com/matestay/matestay-chat/internal/chat"
	"github.com/matestay/matestay-chat/internal/config"
	"github.com/matestay/matestay-chat/internal/identity"
	"github.com/matestay/matestay-chat/internal/presence"
	"github.com/matestay/matestay-chat/internal/realtime"
	"github.com/matestay/matestay-chat/internal/server"
	"github.com/matestay/matestay-chat/internal/store"
	"github.com/matestay/matestay-chat/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db_driver", cfg.DBDriver)

	// Initialize dependencies.
	repo, err := store.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
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
	svc := chat.NewService(repo, cfg.MaxMessageLength)
	registry := presence.NewRegistry()
	hub := realtime.NewHub(registry, svc, realtime.Options{
		SendBuffer:   cfg.WebSocket.SendBuffer,
		PingInterval: cfg.WebSocket.PingInterval.Duration,
		WriteTimeout: cfg.WebSocket.WriteTimeout.Duration,
		EventLimit:   cfg.WebSocket.EventLimit,
		EventWindow:  cfg.WebSocket.EventWindow.Duration,
	})

	handler := server.NewRouter(server.Deps{
		Repo:           repo,
		Chat:           svc,
		Hub:            hub,
		Verifier:       identity.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		AllowedOrigins: cfg.AllowedOrigins(),
		FrontendURL:    cfg.FrontendURL,
		IsDev:          cfg.IsDevelopment(),
		SPA:            web.SPAHandler(),
	})

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	}
	hub.Close()

	slog.Info("Server stopped successfully")
}
