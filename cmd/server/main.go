// Agent host server: runs stateful agents in Docker containers and exposes
// the asynchronous messaging API.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/mkmeral/containerized-strands-agents/internal/api"
	"github.com/mkmeral/containerized-strands-agents/internal/config"
	"github.com/mkmeral/containerized-strands-agents/internal/container"
	"github.com/mkmeral/containerized-strands-agents/internal/engine"
	"github.com/mkmeral/containerized-strands-agents/internal/manager"
	"github.com/mkmeral/containerized-strands-agents/internal/middleware"
	"github.com/mkmeral/containerized-strands-agents/internal/registry"
	"github.com/mkmeral/containerized-strands-agents/internal/session"
	"github.com/mkmeral/containerized-strands-agents/internal/stream"
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

	slog.Info("Starting agent host", "port", cfg.Port, "data_dir", cfg.DataDir, "image", cfg.DockerImage)

	if err := os.MkdirAll(cfg.AgentsDir(), 0o755); err != nil {
		slog.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	// Initialize dependencies.
	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		slog.Error("Failed to open agent registry", "error", err)
		os.Exit(1)
	}
	slog.Info("Registry loaded", "agents", len(reg.All()))

	runtime, err := container.NewDockerRuntime(container.Options{
		Image:           cfg.DockerImage,
		Network:         cfg.DockerNetwork,
		StopGracePeriod: cfg.StopGracePeriod,
	})
	if err != nil {
		slog.Error("Failed to initialize container runtime", "error", err)
		os.Exit(1)
	}

	networkID, err := runtime.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure agent network", "error", err)
		os.Exit(1)
	}
	slog.Info("Agent network ready", "network_id", networkID)

	engineClient := engine.NewClient(engine.ClientConfig{
		RequestTimeout: cfg.EngineTimeout,
		HealthTimeout:  2 * time.Second,
	})
	sessions := session.NewStore(cfg.AgentsDir())
	hub := stream.NewHub()

	mgr := manager.New(cfg, reg, runtime, engineClient, sessions, hub)
	if err := mgr.Reconcile(context.Background()); err != nil {
		slog.Error("Failed to reconcile registry with containers", "error", err)
		os.Exit(1)
	}
	slog.Info("Registry reconciled")

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		corsOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(corsOrigins))

	agentHandler := api.NewAgentHandler(mgr, hub)
	agentHandler.RegisterRoutes(r)

	// Note: no WriteTimeout so /follow websockets can stay open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container.StartIdleMonitor(ctx, mgr, container.IdleMonitorConfig{
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		Records:       mgr.Records,
		Busy:          mgr.Busy,
	})

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Drain queues after the listener stops accepting new requests.
	// Containers are left running; agents survive a host restart.
	mgr.Close(shutdownCtx)

	slog.Info("Server stopped successfully")
}
