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

	configloader "github.com/mediconnect/teleconsult/external/config"
	"github.com/mediconnect/teleconsult/external/httpapi"
	repositoryimpl "github.com/mediconnect/teleconsult/external/repository"
	"github.com/mediconnect/teleconsult/external/video"
	"github.com/mediconnect/teleconsult/internal/config"
	"github.com/mediconnect/teleconsult/internal/consultation"
	"github.com/mediconnect/teleconsult/internal/room"
	"github.com/samber/do/v2"
)

const shutdownTimeout = 10 * time.Second

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "listen_addr", cfg.HTTPListenAddr)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching consultation service")
	runServer(cfg, injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	video.RegisterDI(injector)
	room.RegisterDI(injector)
	consultation.RegisterDI(injector)
	httpapi.RegisterDI(injector)

	return injector
}

func runServer(cfg *config.Config, injector do.Injector) {
	handler, err := do.Invoke[*httpapi.Handler](injector)
	if err != nil {
		slog.Error("failed to resolve http handler", "error", err)
		os.Exit(1)
	}
	registry, err := do.Invoke[*room.Registry](injector)
	if err != nil {
		slog.Error("failed to resolve room registry", "error", err)
		os.Exit(1)
	}
	svc, err := do.Invoke[*consultation.Service](injector)
	if err != nil {
		slog.Error("failed to resolve consultation service", "error", err)
		os.Exit(1)
	}

	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	defer cancelSweeps()
	go registry.Run(sweepCtx)
	go svc.Run(sweepCtx)

	srv := &http.Server{
		Addr:    cfg.HTTPListenAddr,
		Handler: handler.NewRouter(),
	}

	done := make(chan struct{})
	go func() {
		slog.Info("startup: http server listening", "addr", cfg.HTTPListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case <-done:
	}

	cancelSweeps()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
}
