package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markus-barta/rpafleet/internal/config"
	"github.com/markus-barta/rpafleet/internal/control"
	"github.com/markus-barta/rpafleet/internal/dashboard"
	"github.com/markus-barta/rpafleet/internal/hub"
	rpamcp "github.com/markus-barta/rpafleet/internal/mcp"
	"github.com/markus-barta/rpafleet/internal/relay"
	"github.com/markus-barta/rpafleet/internal/scheduler"
	"github.com/markus-barta/rpafleet/internal/store"
	"github.com/rs/zerolog"
)

// Set at build time via ldflags:
// go build -ldflags "-X main.Version=$(cat VERSION) -X main.GitCommit=$(git rev-parse HEAD)"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

const journalSize = 500

func main() {
	// Stdout belongs to the MCP transport, so logs always go to stderr.
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data directory")
	}
	st, err := store.Open(ctx, cfg.DatabasePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() { _ = st.Close() }()

	rl, err := relay.NewClient(cfg.RelayURL, relay.Options{
		Timeout:   cfg.RelayTimeout,
		TaskParam: cfg.RelayTaskParam,
		Secret:    cfg.RelaySecret,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid relay configuration")
	}

	h := hub.New(log, hub.Options{Heartbeat: cfg.HeartbeatInterval, QueueDepth: cfg.QueueDepth})
	journal := control.NewJournal(journalSize)
	dispatcher := control.NewDispatcher(log, st, rl, journal)
	reconciler := control.NewReconciler(log, st, dispatcher, h, journal)
	catalog := control.NewCatalog(log, st, h)

	sched := scheduler.New(log, st, dispatcher, reconciler, journal, scheduler.Options{
		TriggerSweep:   cfg.TriggerSweep,
		StaleSweep:     cfg.StaleSweep,
		StaleAfter:     cfg.StaleAfter,
		StaleAutoForce: cfg.StaleAutoForce,
		LogRetention:   cfg.LogRetention,
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	log.Info().
		Str("version", versionInfo()).
		Str("mode", cfg.Mode).
		Str("db", cfg.DatabasePath).
		Str("relay", cfg.RelayURL).
		Msg("rpafleet starting")

	httpDone := make(chan error, 1)
	if cfg.ServesHTTP() {
		server := dashboard.New(dashboard.Options{
			ListenAddr:       cfg.ListenAddr,
			AllowedOrigins:   cfg.AllowedOrigins,
			WebhookTokenHash: cfg.WebhookTokenHash,
			ShutdownGrace:    cfg.ShutdownGrace,
			Version:          versionInfo(),
		}, dashboard.Deps{
			Store:      st,
			Hub:        h,
			Dispatcher: dispatcher,
			Reconciler: reconciler,
			Catalog:    catalog,
			Journal:    journal,
			Relay:      rl,
		}, log)
		go func() { httpDone <- server.Run(ctx) }()
	} else {
		close(httpDone)
	}

	if cfg.ServesMCP() {
		mcpServer := rpamcp.New(log, catalog, dispatcher, reconciler, journal, h, Version)
		if err := mcpServer.Run(); err != nil {
			log.Error().Err(err).Msg("mcp server error")
		}
		// Stdin closed: end the HTTP side too.
		stop()
	}

	if err := <-httpDone; err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("shutting down...")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.LogFormat == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func versionInfo() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
