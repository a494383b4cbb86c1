package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"BunkerChat/internal/backend"
	"BunkerChat/internal/config"
	"BunkerChat/internal/pipeline"
	"BunkerChat/internal/prompt"
	"BunkerChat/internal/server"
	"BunkerChat/internal/session"
	"BunkerChat/internal/telemetry"
)

func main() {
	var (
		addr        string
		dataDirFlag string
		debug       bool
		waitBackend time.Duration
	)

	flag.StringVar(&addr, "addr", "127.0.0.1:8042", "Listen address")
	flag.StringVar(&dataDirFlag, "data-dir", "", "Writable data directory (default: XDG data home)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.DurationVar(&waitBackend, "wait-backend", 0, "Wait up to this long for the backend at startup")
	flag.Parse()

	if err := run(addr, dataDirFlag, debug, waitBackend); err != nil {
		fmt.Fprintf(os.Stderr, "bunkerchat: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, dataDirFlag string, debug bool, waitBackend time.Duration) error {
	dataDir, err := config.DataDir(dataDirFlag)
	if err != nil {
		return err
	}

	logger, err := telemetry.InitLogger(dataDir, debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, dataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	db, err := telemetry.InitDB(filepath.Join(dataDir, "bunkerchat.db"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	cfgStore := config.NewStore(dataDir)
	promptStore := prompt.NewStore(dataDir)
	sessions := session.NewStore(db, logger)

	backendURL := func() string {
		cfg, err := cfgStore.Snapshot()
		if err != nil {
			logger.Error("failed to read config, using default backend URL", "error", err)
			return config.DefaultBackendURL
		}
		return cfg.BackendURL
	}
	client := backend.NewClient(backendURL, logger, tracer, meter)

	if waitBackend > 0 {
		if err := client.WaitReady(ctx, waitBackend); err != nil {
			logger.Warn("backend still unreachable after wait, continuing anyway", "error", err)
		}
	}

	orch := pipeline.NewOrchestrator(
		pipeline.NewOllamaBackend(client),
		sessions, cfgStore, promptStore,
		logger, tracer, meter,
	)

	handler := server.NewServer(orch, client, sessions, cfgStore, promptStore, logger)

	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		// No WriteTimeout: chat responses stream for minutes.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "data_dir", dataDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		if err := sessions.Persist(""); err != nil {
			logger.Error("failed to save session on exit", "error", err)
		}
	}

	return nil
}
