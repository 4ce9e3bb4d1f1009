package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fluxgate/toolrun/internal/gate"
	"github.com/fluxgate/toolrun/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the tool execution runtime.
type Config struct {
	// Version is the config file format version. Omitted or 0 is treated
	// as CurrentVersion, since this runtime has no config migrator: a
	// mismatched non-zero version is still rejected outright.
	Version     int               `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	ToolRuntime ToolRuntimeConfig `yaml:"tool_runtime"`
}

// ToolRuntimeConfig configures the tool execution substrate: the
// Idempotency Store's lifetime/bound, the prompt catalog cache, and the
// Security Gate's restricted-mode rules.
type ToolRuntimeConfig struct {
	// DefaultTTLSeconds is how long a completed idempotency record is
	// cached for replay. Default 3600.
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`

	// MaxRecords bounds the idempotency store; enforce_bound evicts
	// oldest-by-last-accessed beyond this. Default 10000.
	MaxRecords int `yaml:"max_records"`

	// CleanupIntervalSeconds is how often expired records are swept.
	// Default 300.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`

	// PromptCacheTTLSeconds is how long a user's rendered tool catalog
	// section is cached before rebuilding. Default 300.
	PromptCacheTTLSeconds int `yaml:"prompt_cache_ttl_seconds"`

	// ComputerMode gates filesystem/browser/code-exec operations: "off"
	// (deny all), "restricted" (allow/deny lists apply), or "dev"
	// (allow everything, audited). Default "off".
	ComputerMode string `yaml:"computer_mode"`

	Gate ToolGateConfig `yaml:"gate"`
}

// ToolGateConfig is the Security Gate's restricted-mode rule set.
type ToolGateConfig struct {
	AllowedPaths      []string `yaml:"allowed_paths"`
	DeniedPaths       []string `yaml:"denied_paths"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	DeniedExtensions  []string `yaml:"denied_extensions"`

	AllowedURLPatterns []string `yaml:"allowed_url_patterns"`
	DeniedURLPatterns  []string `yaml:"denied_url_patterns"`

	// MaxFileSize bounds writes, e.g. "10MB" or a raw byte count.
	MaxFileSize string `yaml:"max_file_size"`

	// ConfirmationOperations lists file operations that always require
	// confirmation in restricted mode (e.g. "write", "delete", "move",
	// "execute").
	ConfirmationOperations []string `yaml:"confirmation_operations"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, decodes, and validates the YAML config at path,
// applying environment overrides and defaults in that order.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	} else if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	// Apply defaults
	applyDefaults(&cfg)

	// Validate config
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyLoggingDefaults(&cfg.Logging)
	applyToolRuntimeDefaults(&cfg.ToolRuntime)
}

func applyToolRuntimeDefaults(cfg *ToolRuntimeConfig) {
	if cfg.DefaultTTLSeconds == 0 {
		cfg.DefaultTTLSeconds = 3600
	}
	if cfg.MaxRecords == 0 {
		cfg.MaxRecords = 10000
	}
	if cfg.CleanupIntervalSeconds == 0 {
		cfg.CleanupIntervalSeconds = 300
	}
	if cfg.PromptCacheTTLSeconds == 0 {
		cfg.PromptCacheTTLSeconds = 300
	}
	if cfg.ComputerMode == "" {
		cfg.ComputerMode = "off"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.GRPCPort == 0 {
		cfg.GRPCPort = 50051
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("TOOLRUN_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("TOOLRUN_GRPC_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.GRPCPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("TOOLRUN_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("TOOLRUN_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}

	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" {
		cfg.Database.URL = value
	}

	if value := strings.TrimSpace(os.Getenv("TOOLRUN_LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
}

type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if cfg.Database.MaxConnections < 0 {
		issues = append(issues, "database.max_connections must be >= 0")
	}

	if !validComputerMode(cfg.ToolRuntime.ComputerMode) {
		issues = append(issues, "tool_runtime.computer_mode must be \"off\", \"restricted\", or \"dev\"")
	}
	if cfg.ToolRuntime.DefaultTTLSeconds < 0 {
		issues = append(issues, "tool_runtime.default_ttl_seconds must be >= 0")
	}
	if cfg.ToolRuntime.MaxRecords < 0 {
		issues = append(issues, "tool_runtime.max_records must be >= 0")
	}
	if cfg.ToolRuntime.CleanupIntervalSeconds < 0 {
		issues = append(issues, "tool_runtime.cleanup_interval_seconds must be >= 0")
	}
	if cfg.ToolRuntime.PromptCacheTTLSeconds < 0 {
		issues = append(issues, "tool_runtime.prompt_cache_ttl_seconds must be >= 0")
	}
	if cfg.ToolRuntime.Gate.MaxFileSize != "" {
		if _, err := gate.ParseFileSize(cfg.ToolRuntime.Gate.MaxFileSize); err != nil {
			issues = append(issues, fmt.Sprintf("tool_runtime.gate.max_file_size is invalid: %v", err))
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}

	return nil
}

func validComputerMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "off", "restricted", "dev":
		return true
	default:
		return false
	}
}

// GateConfig builds a gate.Config from the loaded tool_runtime.gate
// section, parsing max_file_size and compiling the URL regex lists. It
// is the caller's responsibility to call this once at startup; the
// returned Config is ready to pass to gate.New.
func (c *ToolRuntimeConfig) GateConfig() (gate.Config, error) {
	out := gate.Config{
		AllowedPaths:           c.Gate.AllowedPaths,
		DeniedPaths:            c.Gate.DeniedPaths,
		AllowedExtensions:      c.Gate.AllowedExtensions,
		DeniedExtensions:       c.Gate.DeniedExtensions,
		AllowedURLPatterns:     c.Gate.AllowedURLPatterns,
		DeniedURLPatterns:      c.Gate.DeniedURLPatterns,
		ConfirmationOperations: c.Gate.ConfirmationOperations,
	}
	if c.Gate.MaxFileSize != "" {
		size, err := gate.ParseFileSize(c.Gate.MaxFileSize)
		if err != nil {
			return gate.Config{}, fmt.Errorf("tool_runtime.gate.max_file_size: %w", err)
		}
		out.MaxFileSize = size
	}
	if err := out.Compile(); err != nil {
		return gate.Config{}, fmt.Errorf("tool_runtime.gate: %w", err)
	}
	return out, nil
}

// ComputerModeValue parses the configured computer_mode string into the
// models.ComputerMode the Gate and Orchestrator operate on.
func (c *ToolRuntimeConfig) ComputerModeValue() models.ComputerMode {
	switch strings.ToLower(strings.TrimSpace(c.ComputerMode)) {
	case "restricted":
		return models.ComputerModeRestricted
	case "dev":
		return models.ComputerModeDev
	default:
		return models.ComputerModeOff
	}
}
