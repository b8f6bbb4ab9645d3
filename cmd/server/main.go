// Command server runs the parking backend: the TCP scan dispatcher, the
// admin REST API, and the WebSocket dashboard feed in one process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parkos/backend/internal/api"
	"github.com/parkos/backend/internal/config"
	"github.com/parkos/backend/internal/debounce"
	"github.com/parkos/backend/internal/engine"
	"github.com/parkos/backend/internal/events"
	"github.com/parkos/backend/internal/feed"
	"github.com/parkos/backend/internal/ingress"
	"github.com/parkos/backend/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("store open failed", "url", cfg.DatabaseURL, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	if err := st.InitDefaultRules(ctx); err != nil {
		slog.Error("default rule init failed", "error", err)
		os.Exit(1)
	}
	slog.Info("store ready", "dialect", st.Dialect())

	var bus events.Bus
	if cfg.RedisAddr != "" {
		rb, err := events.NewRedisBus(cfg.RedisAddr, "")
		if err != nil {
			slog.Error("redis bus init failed", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		bus = rb
		slog.Info("event bus: redis", "addr", cfg.RedisAddr)
	} else {
		bus = events.NewLocalBus()
		slog.Info("event bus: local")
	}
	defer bus.Close()

	commander := ingress.NewCommander(cfg.HardwareTimeout)
	cache := debounce.New(cfg.DebounceWindow)
	eng := engine.New(st, cache, bus, commander)

	hub := feed.NewHub(bus, cfg.Env, cfg.AllowedOrigins)
	hub.Start()
	defer hub.Stop()

	dispatcher := ingress.NewServer(cfg.IngressAddr, st, eng, bus, commander, cfg.HardwarePort)
	go func() {
		if err := dispatcher.ListenAndServe(ctx); err != nil {
			slog.Error("ingress listener failed", "error", err)
			cancel()
		}
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewServer(st, eng, hub).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("shutdown signal received", "signal", sig.String())
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
	}()

	slog.Info("backend starting", "http", cfg.HTTPAddr, "ingress", cfg.IngressAddr, "env", cfg.Env)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
