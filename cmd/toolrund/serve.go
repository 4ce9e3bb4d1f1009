package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxgate/toolrun/internal/config"
	"github.com/fluxgate/toolrun/internal/dispatcher"
	"github.com/fluxgate/toolrun/internal/eventbus"
	"github.com/fluxgate/toolrun/internal/gate"
	"github.com/fluxgate/toolrun/internal/idempotency"
	"github.com/fluxgate/toolrun/internal/orchestrator"
	"github.com/fluxgate/toolrun/internal/promptcompose"
	"github.com/fluxgate/toolrun/internal/registry"
	"github.com/fluxgate/toolrun/internal/toolmetrics"
	"github.com/fluxgate/toolrun/internal/transport"
)

// buildServeCmd creates the "serve" command that starts the tool runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		pluginsDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tool execution runtime",
		Long: `Start the tool execution runtime's HTTP/WebSocket transport.

The server will:
1. Load configuration from the specified file (or toolrun.yaml)
2. Build the security gate from tool_runtime.gate
3. Open a Postgres-backed idempotency store when database.url is set,
   otherwise fall back to an in-memory store
4. Discover external plugins under --plugins-dir, if set
5. Serve /v1/execute, /v1/tools, /v1/confirm/{request_id}, and /v1/events

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  toolrund serve

  # Start with custom config
  toolrund serve --config /etc/toolrun/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug, pluginsDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	cmd.Flags().StringVar(&pluginsDir, "plugins-dir", "", "Directory of external plugin manifests to register")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool, pluginsDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.SetDefault(loggerFromConfig(cfg.Logging, debug))

	slog.Info("starting tool runtime", "version", version, "commit", commit, "config", configPath, "debug", debug)

	gateCfg, err := cfg.ToolRuntime.GateConfig()
	if err != nil {
		return fmt.Errorf("failed to build security gate: %w", err)
	}
	g := gate.New(gateCfg)

	store, closeStore, err := buildIdempotencyStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to build idempotency store: %w", err)
	}
	defer closeStore()

	reg := registry.New()
	bus := eventbus.New()
	disp := dispatcher.New()
	metrics := toolmetrics.New()

	if err := loadExternalPlugins(pluginsDir, reg); err != nil {
		return fmt.Errorf("failed to load external plugins: %w", err)
	}

	orchCfg := orchestrator.DefaultConfig()
	if cfg.ToolRuntime.DefaultTTLSeconds > 0 {
		orchCfg.IdempotencyTTL = time.Duration(cfg.ToolRuntime.DefaultTTLSeconds) * time.Second
	}
	orch := orchestrator.New(reg, g, store, disp, bus, orchCfg)
	orch.SetMetrics(metrics)

	promptTTL := time.Duration(cfg.ToolRuntime.PromptCacheTTLSeconds) * time.Second
	composer := promptcompose.New(reg, promptTTL)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	srv := transport.New(transport.Config{
		Addr:         addr,
		Orchestrator: orch,
		Registry:     reg,
		Bus:          bus,
		Composer:     composer,
		Logger:       slog.Default(),
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	slog.Info("tool runtime started", "addr", addr, "computer_mode", cfg.ToolRuntime.ComputerMode)

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("tool runtime stopped gracefully")
	return nil
}

// buildIdempotencyStore opens a PostgresStore when database.url is
// configured, otherwise falls back to an in-memory store with its
// background cleaner running. The returned func closes whichever backend
// was opened.
func buildIdempotencyStore(cfg *config.Config) (idempotency.Store, func(), error) {
	if cfg.Database.URL == "" {
		store := idempotency.NewMemoryStore()
		interval := time.Duration(cfg.ToolRuntime.CleanupIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		cleaner := idempotency.NewCleaner(store, interval, cfg.ToolRuntime.MaxRecords, slog.Default())
		cleanerCtx, cancel := context.WithCancel(context.Background())
		cleaner.Start(cleanerCtx)
		return store, func() { cancel(); cleaner.Stop() }, nil
	}

	pgCfg := idempotency.DefaultPostgresConfig()
	if cfg.Database.MaxConnections > 0 {
		pgCfg.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pgCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	store, err := idempotency.NewPostgresStoreFromDSN(cfg.Database.URL, pgCfg)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// loggerFromConfig builds the process-wide slog.Logger from logging.level
// and logging.format. The --debug flag always forces debug level,
// overriding the configured level but not the configured format.
func loggerFromConfig(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
