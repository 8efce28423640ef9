package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/events"
	"github.com/keepsake-ai/keepsake/internal/judge"
	"github.com/keepsake-ai/keepsake/internal/recall"
	"github.com/keepsake-ai/keepsake/internal/resolver"
	"github.com/keepsake-ai/keepsake/internal/server"
	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/internal/storage/postgres"
	"github.com/keepsake-ai/keepsake/internal/storage/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := config.NewLogger(cfg.Log)

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("storage.open")
	}
	defer store.Close()

	sink, err := events.Build(cfg.Events.Sink, cfg.Storage.DataPath, cfg.Events.WebhookURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("events.build")
	}
	hub := events.NewHub(log)
	fanout := events.Fanout{sink, hub}
	if cfg.Events.Sink == "file" {
		// With the file sink the hub is fed from the spool directory
		// instead, so events written by other processes reach websocket
		// subscribers too. Feeding it from the fanout as well would
		// deliver every local event twice.
		fanout = events.Fanout{sink}
		defer hub.Close()
		watcher := events.NewWatcher(cfg.Storage.DataPath, hub.Emit, log)
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Msg("events.watch")
		}
		defer watcher.Stop()
	}
	defer fanout.Close()

	asm, err := recall.NewAssembler(store, recall.Config{
		MaxProfileChars:  cfg.Recall.MaxProfileChars,
		SnippetLimit:     cfg.Recall.SnippetLimit,
		SnippetDays:      cfg.Recall.SnippetDays,
		PerItemCap:       cfg.Recall.PerItemCap,
		ProfileCacheSize: cfg.Recall.ProfileCacheSize,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("recall.init")
	}

	j := judge.NewRules(cfg.Judge.MaxContentLen, judge.NewPolicy(cfg.Judge.SensitivePolicy))
	res := resolver.New(store, j, fanout, log, resolver.WithChangeHook(asm.Invalidate))

	srv, err := server.New(cfg, store, res, asm, hub, log)
	if err != nil {
		log.Fatal().Err(err).Msg("server.init")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("server.serve")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown.begin")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown.drain")
	}
	log.Info().Msg("shutdown.done")
}

func openStore(cfg *config.Config, log zerolog.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return postgres.New(cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, log)
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, err
		}
		return sqlite.New(filepath.Join(cfg.Storage.DataPath, "keepsake.db"), cfg.Storage.BusyTimeoutMS, log)
	}
}
