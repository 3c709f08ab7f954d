package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"classroom-ide/internal/api"
	"classroom-ide/internal/config"
	"classroom-ide/internal/executor"
	"classroom-ide/internal/guard"
	"classroom-ide/internal/monitor"
	"classroom-ide/internal/session"
	"classroom-ide/internal/storage"
	"classroom-ide/internal/workspace"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("config file not readable")
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.Tracing.Sample)),
		)
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("tracer provider shutdown failed")
			}
		}()
	}

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()

	g, err := guard.New(cfg.Workspace.DataRoot)
	if err != nil {
		log.Fatal().Err(err).Str("data_root", cfg.Workspace.DataRoot).Msg("data root unusable")
	}

	// Database is optional; without it sessions cannot persist, so the
	// server runs but rejects logins. Useful for health/metrics debugging.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.ConnMaxLifetime)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, sessions and audit disabled")
		} else {
			defer db.Close()
		}
	} else {
		log.Warn().Msg("no database configured, sessions and audit disabled")
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	var sessionStore session.Store = storage.NullStore{}
	if db != nil {
		sessionStore = db
	}
	sessions := session.NewManager(sessionStore, cfg.Workspace.DataRoot, cfg.Session.IdleTimeout, cfg.Session.TokenTTL)
	leases := executor.NewLeaseManager(cfg.Execution.LeaseStaleAfter, cfg.Execution.LeaseSweepInterval, metrics)
	files := workspace.New(g, leases, cfg.Workspace.FileSizeLimitMB<<20, metrics)

	server := api.NewServer(cfg, sessions, g, files, leases, metrics, tracer, auditWriter, db)

	go leases.Run(ctx)
	go server.RunSweepers(ctx)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("data_root", cfg.Workspace.DataRoot).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
