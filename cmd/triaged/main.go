package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/h1v3-io/triage/internal/api"
	"github.com/h1v3-io/triage/internal/app"
	"github.com/h1v3-io/triage/internal/config"
	"github.com/h1v3-io/triage/internal/connector/webhook"
	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/internal/scheduler"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to config file (JSON or YAML)")
	configURL := pflag.String("config-url", os.Getenv("TRIAGE_CONFIG_URL"), "Fetch config from this URL")
	configToken := pflag.String("config-token", os.Getenv("TRIAGE_CONFIG_TOKEN"), "Bearer token for --config-url")
	dataDir := pflag.String("data-dir", os.Getenv("TRIAGE_DATA_DIR"), "Local data directory for --config-url mode")
	envFile := pflag.String("env-file", ".env", "Load environment variables from this file if present")
	verbose := pflag.BoolP("verbose", "v", false, "Verbose logging")
	pflag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.New(jsonHandler).Error("failed to load env file", "error", err)
		os.Exit(1)
	}

	// Load config (3 modes: file, remote, env)
	var cfg *config.Config
	var err error
	switch {
	case *configPath != "":
		cfg, err = config.Load(*configPath)
	case *configURL != "":
		slog.New(jsonHandler).Info("loading config from remote", "url", *configURL)
		cfg, err = config.LoadRemote(context.Background(), config.RemoteOptions{
			URL:     *configURL,
			Token:   *configToken,
			DataDir: *dataDir,
		})
	default:
		cfg, err = config.LoadFromEnv()
		if err == nil {
			err = cfg.Validate()
		}
	}
	if err != nil {
		slog.New(jsonHandler).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logBuf := logbuf.New(cfg.Service.LogBuffer)
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	logger.Info("triaged starting", "service_id", cfg.Service.ID, "db", cfg.Database.Driver, "knowledge", cfg.Knowledge.Backend)

	// 1. Stores, providers, pipeline, desk
	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Scheduled jobs
	if !cfg.Scheduler.Disabled {
		sched := scheduler.New(logger.With("component", "scheduler"))
		if err := sched.Add("health", cfg.Scheduler.HealthSchedule, a.Health.Log); err != nil {
			logger.Error("invalid health schedule", "error", err)
			os.Exit(1)
		}
		if staleAfter := cfg.Desk.StaleAfter.Std(); staleAfter > 0 {
			sweep := func(ctx context.Context) error {
				n, err := a.Desk.SweepStale(ctx, staleAfter)
				if n > 0 {
					logger.Info("stale tickets swept", "count", n)
				}
				return err
			}
			if err := sched.Add("stale-sweep", cfg.Scheduler.SweepSchedule, sweep); err != nil {
				logger.Error("invalid sweep schedule", "error", err)
				os.Exit(1)
			}
		}
		go safeGo(logger, "scheduler", func() { sched.Start(ctx) })
		logger.Info("scheduler started", "jobs", sched.Names())
	}

	// 3. API server, with the inbound webhook connector when configured
	opts := []api.Option{
		api.WithLogs(logBuf),
		api.WithIngester(a.Ingester),
		api.WithHealth(a.Health),
	}
	if cfg.Connectors.Webhook != nil {
		hook := webhook.New(app.WebhookConfig(cfg.Connectors.Webhook),
			a.Intake(logger.With("component", "intake")),
			logger.With("connector", "webhook"))
		opts = append(opts, api.WithWebhook(hook))
		logger.Info("webhook connector enabled", "endpoints", len(cfg.Connectors.Webhook.Endpoints))
	}
	apiSrv := api.NewServer(a.Desk, api.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), opts...)

	errCh := make(chan error, 1)
	go safeGo(logger, "api-server", func() { errCh <- apiSrv.Start(ctx) })

	// 4. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		// Start returns after in-flight requests drain.
		if err := <-errCh; err != nil {
			logger.Error("api server stopped", "error", err)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("api server stopped", "error", err)
			cancel()
			a.Close()
			os.Exit(1)
		}
	}
	cancel()
	logger.Info("triaged stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
