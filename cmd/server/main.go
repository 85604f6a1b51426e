package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"omb-test-runner/internal/api"
	"omb-test-runner/internal/config"
	"omb-test-runner/internal/environ"
	"omb-test-runner/internal/monitor"
	"omb-test-runner/internal/odoo"
	"omb-test-runner/internal/orchestrator"
	"omb-test-runner/internal/pricing"
	"omb-test-runner/internal/session"
	"omb-test-runner/internal/storage"
	"omb-test-runner/internal/testexec"
	"omb-test-runner/internal/testgen"
	"omb-test-runner/internal/uat"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()
	releases := odoo.NewRegistry()
	registry := session.NewRegistry()

	// Docker engine. A dead daemon is not fatal: health reports it and
	// sessions fail fast until it comes back.
	engine := environ.NewDocker()
	if err := engine.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("docker unavailable, sessions will fail until it recovers")
	}

	provisioner := environ.NewProvisioner(engine, cfg.Docker, cfg.Provision)
	installer := environ.NewInstaller(engine)

	// Anthropic client for test synthesis
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Warn().Msg("ANTHROPIC_API_KEY not set, test generation will fail")
	}
	anthropic := sdk.NewClient(option.WithAPIKey(apiKey))
	generator := testgen.NewGenerator(&anthropic.Messages, cfg.LLM)

	executor := testexec.NewExecutor(cfg.Testing)

	tunnel := uat.NewCloudflaredTunnel(cfg.UAT.TunnelBin, cfg.UAT.TunnelURLTimeout)
	uatManager := uat.NewManager(cfg.UAT, provisioner, installer, tunnel, metrics)

	// Database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, session history disabled")
		} else {
			defer db.Close()
		}
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	var pipeline *orchestrator.Pipeline
	if auditWriter != nil {
		pipeline = orchestrator.NewPipeline(registry, provisioner, installer, generator, executor, auditWriter, metrics, tracer)
	} else {
		pipeline = orchestrator.NewPipeline(registry, provisioner, installer, generator, executor, nil, metrics, tracer)
	}

	pricer := pricing.NewEngine(cfg.Pricing.BasePrice, cfg.Pricing.MaxPrice)

	// Containers from a previous process are garbage: nothing in the
	// in-memory registry can reach them anymore.
	go reapOrphans(ctx, provisioner, registry, uatManager, cfg.Provision.OrphanReapInterval)

	handlers := api.NewHandlers(registry, pipeline, uatManager, pricer, releases, db, metrics)
	server := api.NewServer(cfg, handlers, engine, db, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		uatManager.Shutdown()
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

// reapOrphans periodically removes containers whose sessions this
// process does not know about. Runs once at startup, then on a timer.
func reapOrphans(ctx context.Context, prov *environ.Provisioner, registry *session.Registry, uatMgr *uat.Manager, interval time.Duration) {
	if interval <= 0 {
		return
	}

	keep := func(containerName string) bool {
		for _, sess := range registry.List() {
			if !sess.Status.Terminal() && strings.Contains(containerName, sess.ID) {
				return true
			}
		}
		for _, id := range uatMgr.ActiveSessionIDs() {
			if strings.Contains(containerName, id) {
				return true
			}
		}
		return false
	}

	reap := func() {
		reaped, err := prov.ReapOrphans(ctx, keep)
		if err != nil {
			log.Warn().Err(err).Msg("orphan reap failed")
			return
		}
		if reaped > 0 {
			log.Info().Int("containers", reaped).Msg("reaped orphaned containers")
		}
	}

	reap()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reap()
		}
	}
}
