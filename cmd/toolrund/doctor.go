package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxgate/toolrun/internal/config"
)

// buildDoctorCmd creates the "doctor" command that validates configuration.
func buildDoctorCmd() *cobra.Command {
	var (
		configPath string
		schema     bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and the security gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if schema {
				return runDoctorSchema(cmd)
			}
			configPath = resolveConfigPath(configPath)
			return runDoctor(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVar(&schema, "schema", false, "Print the configuration JSON Schema and exit")
	return cmd
}

func runDoctorSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("failed to build config schema: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
	return err
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config did not load: %w", err)
	}
	fmt.Fprintf(out, "config loaded: %s (version %d)\n", configPath, cfg.Version)

	if _, err := cfg.ToolRuntime.GateConfig(); err != nil {
		fmt.Fprintf(out, "security gate: INVALID (%v)\n", err)
		return err
	}
	fmt.Fprintln(out, "security gate: ok")

	fmt.Fprintf(out, "computer_mode: %s\n", cfg.ToolRuntime.ComputerModeValue())
	fmt.Fprintf(out, "default_ttl_seconds: %d\n", cfg.ToolRuntime.DefaultTTLSeconds)
	fmt.Fprintf(out, "max_records: %d\n", cfg.ToolRuntime.MaxRecords)

	if cfg.Database.URL == "" {
		fmt.Fprintln(out, "idempotency backend: in-memory (database.url not set)")
	} else {
		fmt.Fprintln(out, "idempotency backend: postgres")
	}

	fmt.Fprintln(out, "all checks passed")
	return nil
}
