// Package main provides the CLI entry point for the tool execution
// runtime: an agent orchestration substrate's envelope, idempotency,
// security gate, plugin registry, dispatcher, event bus, and prompt
// composer, fronted by a reference HTTP/WebSocket transport.
//
// # Basic Usage
//
// Start the server:
//
//	toolrund serve --config toolrun.yaml
//
// Validate configuration:
//
//	toolrund doctor
//
// List registered tools:
//
//	toolrund tools list
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "toolrun.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolrund",
		Short: "Tool execution runtime for multi-tenant agent orchestration",
		Long: `toolrund runs the tool execution substrate: envelope validation,
idempotency caching, security gate policy checks, plugin registry, capability
dispatch, and event fan-out, reachable over HTTP and WebSocket.`,
		Version:      versionString(),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildDoctorCmd(),
		buildToolsCmd(),
	)

	return rootCmd
}

func versionString() string {
	return version + " (commit: " + commit + ", built: " + date + ")"
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("TOOLRUN_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
