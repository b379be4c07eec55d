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

	"github.com/shehryarbajwa/printbox/internal/api"
	"github.com/shehryarbajwa/printbox/internal/config"
	"github.com/shehryarbajwa/printbox/internal/events"
	"github.com/shehryarbajwa/printbox/internal/logging"
	"github.com/shehryarbajwa/printbox/internal/printer"
	"github.com/shehryarbajwa/printbox/internal/ratelimit"
	"github.com/shehryarbajwa/printbox/internal/sandbox"
	"github.com/shehryarbajwa/printbox/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("Starting PrintBox...")

	// Sandbox runtime
	dockerRuntime, err := sandbox.NewDockerRuntime()
	if err != nil {
		slog.Error("Failed to create docker runtime", "error", err)
		os.Exit(1)
	}
	defer dockerRuntime.Close()

	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), cfg.TeardownTimeout)
	if removed, err := dockerRuntime.RemoveStale(sweepCtx); err != nil {
		slog.Warn("Failed to remove stale sandboxes", "error", err)
	} else if removed > 0 {
		slog.Info("Removed stale sandboxes", "count", removed)
	}
	cancelSweep()

	provisioner := sandbox.NewProvisioner(dockerRuntime, cfg.SandboxImage)

	// Warm the sandbox image so the first session doesn't pay for the build
	warmCtx, cancelWarm := context.WithCancel(context.Background())
	defer cancelWarm()
	go func() {
		if err := provisioner.EnsureBaseArtifact(warmCtx); err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Warn("Sandbox image warm-up failed", "image", cfg.SandboxImage, "error", err)
			}
			return
		}
		slog.Info("Sandbox image ready", "image", cfg.SandboxImage)
	}()

	// Printing
	dispatcher := printer.NewDispatcher(printer.NewCUPSBackend(cfg.CUPSServer), printer.DispatcherOptions{
		SimulatedDelay: cfg.SimulatedPrintDelay,
		SpoolerTimeout: cfg.SpoolerTimeout,
	})

	// Observers
	hub := events.NewHub()
	defer hub.Close()

	sessionMgr := session.NewManager(provisioner, dispatcher, hub, session.Options{
		StorageDir:       cfg.StorageDir,
		BaseURL:          cfg.PublicBaseURL(),
		FileTTL:          cfg.FileTTL,
		ProvisionTimeout: cfg.ProvisionTimeout,
		TeardownTimeout:  cfg.TeardownTimeout,
	})
	hub.SetStatusFunc(sessionMgr.CurrentStatus)

	rateLimiter := ratelimit.NewLimiter(cfg.UploadsPerHour, cfg.UploadBurst)

	handler := api.NewHandler(sessionMgr, rateLimiter, api.HandlerOptions{
		MaxUploadBytes: cfg.MaxUploadBytes(),
		TrustedProxies: cfg.ProxyPrefixes(),
	})
	router := handler.SetupRoutes(hub, cfg.UploadsPerHour)

	// WriteTimeout stays above the provisioning timeout since /start-session blocks on it
	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  time.Minute,
		WriteTimeout: cfg.ProvisionTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Server starting",
			"addr", srv.Addr,
			"baseUrl", cfg.PublicBaseURL(),
			"storage", cfg.StorageDir,
			"fileTtl", cfg.FileTTL,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server gracefully...")
	cancelWarm()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// End the session last so in-flight requests finish against it
	endCtx, cancelEnd := context.WithTimeout(context.Background(), cfg.TeardownTimeout+5*time.Second)
	defer cancelEnd()
	if err := sessionMgr.Shutdown(endCtx); err != nil {
		slog.Error("Failed to end session during shutdown", "error", err)
	}

	slog.Info("Server stopped cleanly")
}
