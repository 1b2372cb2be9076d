// Command relayd is the Relay broker daemon. It opens the SQLite queue,
// wires the dispatch engine, consumer registry, and event hub together,
// and serves the REST API plus the SSE event stream.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stonehive/relay/broker"
	"github.com/stonehive/relay/config"
	"github.com/stonehive/relay/events"
	"github.com/stonehive/relay/internal/version"
	"github.com/stonehive/relay/server"
	"github.com/stonehive/relay/task"
	"github.com/stonehive/relay/track"
)

var configPath = flag.String("config", "", "path to relay config file")

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting relayd",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}

	store, err := task.NewSQLiteStore(filepath.Join(cfg.DataDir, "relay.db"))
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer store.Close()

	tracker, err := track.NewStore(store.DB())
	if err != nil {
		log.Fatalf("Failed to open tracking store: %v", err)
	}

	hub := events.NewHub(cfg.Broker.EventBuffer, cfg.Broker.EventHistory)
	store.SetPublisher(hub)
	tracker.SetPublisher(hub)

	registry := broker.NewRegistry(cfg.Broker.ActiveWindow, cfg.Broker.OfflineAfter, hub, logger)

	engine := broker.NewEngine(broker.EngineParams{
		Store:       store,
		DeadLetters: store,
		Teams:       store,
		Registry:    registry,
		Events:      hub,
		Logger:      logger,
		MaxAttempts: cfg.Broker.MaxAttempts,
		StuckAfter:  cfg.Broker.StuckAfter,
	})

	srv := server.New(*cfg, version.Version, logger)
	srv.SetEngine(engine)
	srv.SetStores(store, store, store)
	srv.SetRegistry(registry)
	srv.SetHub(hub)
	srv.SetTracker(tracker)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	hub.Close()
	logger.Info("shutdown complete")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
