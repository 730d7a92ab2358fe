// homie-gateway serves terminal sessions, a scheduled command runner, and an
// LLM chat agent over a single websocket connection per client.
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

	"github.com/ashureev/homie-gateway/internal/agent"
	"github.com/ashureev/homie-gateway/internal/broadcast"
	"github.com/ashureev/homie-gateway/internal/config"
	"github.com/ashureev/homie-gateway/internal/container"
	"github.com/ashureev/homie-gateway/internal/cron"
	"github.com/ashureev/homie-gateway/internal/gateway"
	"github.com/ashureev/homie-gateway/internal/router"
	"github.com/ashureev/homie-gateway/internal/store"
	"github.com/ashureev/homie-gateway/internal/terminal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting gateway", "port", cfg.Port, "server_id", cfg.ServerID, "dev", cfg.IsDevelopment())

	st, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("failed to close store", "error", closeErr)
		}
	}()

	if err := st.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected", "path", cfg.DBPath)

	var containerMgr container.Manager
	if mgr, err := container.NewDockerManager(cfg.Terminal.ContainerRuntime); err != nil {
		slog.Warn("docker unavailable, container-backed terminal sessions disabled", "error", err)
	} else {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, pingErr := mgr.Client().Ping(pingCtx)
		pingCancel()
		if pingErr != nil {
			slog.Warn("docker unavailable, container-backed terminal sessions disabled", "error", pingErr)
		} else {
			containerMgr = mgr
			slog.Info("container manager initialized", "runtime", cfg.Terminal.ContainerRuntime)
		}
	}

	bus := broadcast.New()
	r := router.New()

	registry := terminal.NewRegistry(st, cfg.Terminal.HistoryBytes, containerMgr)
	r.Register(terminal.NewService(registry))

	provider := selectProvider(cfg.Agent.ChatBackend)
	backend := agent.NewBackend(st, bus, provider, agent.NoopProcessRegistry{})
	r.Register(agent.NewService(backend))

	runner := cron.NewRunner(st, bus, cfg.Cron.MaxConcurrentRuns, cfg.Cron.PruneRetention, cfg.Cron.PruneMaxPerCron)
	r.Register(cron.NewService(st, runner))

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = cron.LoadSeeds(seedCtx, st, cfg.Cron.SeedPath)
	seedCancel()
	if err != nil {
		slog.Warn("failed to load cron seeds", "path", cfg.Cron.SeedPath, "error", err)
	}

	var auth gateway.Authenticator = gateway.AllowAllAuthenticator{}
	if cfg.AuthToken != "" {
		auth = gateway.StaticTokenAuthenticator{Token: cfg.AuthToken}
	}
	gw := gateway.New(r, bus, auth, cfg.ServerID)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go gw.RunReaper(reaperCtx)

	cronCtx, stopCron := context.WithCancel(context.Background())
	go runner.Run(cronCtx)

	mux := chi.NewRouter()
	mux.Use(chiMiddleware.RequestID)
	mux.Use(chiMiddleware.RealIP)
	mux.Use(chiMiddleware.Logger)
	mux.Use(chiMiddleware.Recoverer)
	mux.Use(chiMiddleware.Heartbeat("/health"))
	mux.Get("/ws", gw.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	stopReaper()
	stopCron()
	gw.Wait()
	r.ShutdownAll()

	slog.Info("gateway stopped")
}

// selectProvider resolves the configured chat backend name to a concrete
// agent.Provider. Only "stub" (no external model) is built in; unrecognized
// names fall back to it rather than failing startup.
func selectProvider(backend string) agent.Provider {
	switch backend {
	default:
		if backend != "" && backend != "stub" {
			slog.Warn("unknown chat backend, falling back to stub", "backend", backend)
		}
		return agent.NoopProvider{}
	}
}
