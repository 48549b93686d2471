/*
Package main is the entry point of the VisionChat server.

It loads configuration, initializes logging, opens the store (PostgreSQL, or the
in-memory store in development when no DSN is set), starts the realtime hub and
the HTTP server, and shuts everything down on SIGINT or SIGTERM.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"visionchat/internal/app/chat"
	"visionchat/internal/app/db"
	"visionchat/internal/app/delivery"
	"visionchat/internal/app/store"
	"visionchat/internal/configs"
	"visionchat/internal/handler"
	"visionchat/internal/pkg/logx"
)

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger
	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Dur("heartbeat_timeout", cfg.HeartbeatTimeout).
		Dur("presence_grace", cfg.PresenceGrace).
		Msg("Configuration loaded successfully")

	// Create a context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logx.Fatal(err, "Failed to open store")
	}

	hub := chat.NewHub(cfg, handler.ChatAuthorizer(st))

	deps := &handler.AppDeps{
		Config:   cfg,
		Store:    st,
		Hub:      hub,
		Pipeline: delivery.New(st, hub.Router(), cfg),
	}

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Router(deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("VisionChat Server starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	// Hijacked WebSockets are not tracked by Shutdown; the hub closes them.
	hub.Shutdown()

	err = multierr.Combine(
		server.Shutdown(shutdownCtx),
		st.Close(),
	)
	deps.Close()

	if err != nil {
		logx.Error(err, "Shutdown finished with errors")
		os.Exit(1)
	}

	logx.Info("Server gracefully stopped.")
}

func openStore(ctx context.Context, cfg *configs.AppConfig) (store.Store, error) {
	if cfg.DatabaseDSN == "" {
		logx.Warn("DATABASE_URL not set, using the in-memory store. Data is lost on restart.")
		return store.NewMemory(), nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	logx.Info("Connected to PostgreSQL.")
	return db.NewStore(pool), nil
}
