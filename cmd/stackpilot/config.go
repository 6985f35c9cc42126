package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all daemon configuration.
type Config struct {
	Ops          OpsConfig          `mapstructure:"ops"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Environments EnvironmentsConfig `mapstructure:"environments"`
	Log          LogConfig          `mapstructure:"log"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Observers    ObserversConfig    `mapstructure:"observers"`
	Health       HealthConfig       `mapstructure:"health"`
	Retention    RetentionConfig    `mapstructure:"retention"`
}

// OpsConfig holds the operational HTTP surface configuration.
type OpsConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the ops address in host:port format.
func (c OpsConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`

	// EncryptionPassphrase seals observer connection strings at rest.
	// Empty means plaintext. Set via STACKPILOT_DATABASE_ENCRYPTION_PASSPHRASE.
	EncryptionPassphrase string `mapstructure:"encryption_passphrase"`
}

// EnvironmentsConfig holds the environment registry configuration.
type EnvironmentsConfig struct {
	// SeedFile is the path to environments.yaml. Empty skips seeding; the
	// store keeps whatever environments it already has.
	SeedFile string `mapstructure:"seed_file"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NotifyConfig holds notification sink configuration. Empty URLs disable the
// corresponding sink.
type NotifyConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	WebhookURL      string `mapstructure:"webhook_url"`
}

// ObserversConfig holds maintenance observer poller configuration.
type ObserversConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// HealthConfig holds health collector and probe configuration.
type HealthConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	DeploymentTimeout time.Duration `mapstructure:"deployment_timeout"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`

	// BusEndpoints are message transport health endpoints pinged each cycle.
	BusEndpoints []string `mapstructure:"bus_endpoints"`

	// DataDir is the filesystem path checked for disk capacity. Empty skips
	// the disk check.
	DataDir string `mapstructure:"data_dir"`

	// ExternalURLs are dependency health endpoints checked each cycle.
	ExternalURLs []string `mapstructure:"external_urls"`

	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// RetentionConfig holds snapshot retention configuration.
type RetentionConfig struct {
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set defaults
	v.SetDefault("ops.host", "0.0.0.0")
	v.SetDefault("ops.port", 9090)
	v.SetDefault("ops.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/stackpilot.db")
	v.SetDefault("database.encryption_passphrase", "")
	v.SetDefault("environments.seed_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("observers.tick_interval", "5s")
	v.SetDefault("observers.check_timeout", "30s")
	v.SetDefault("observers.max_concurrent", 5)
	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.deployment_timeout", "10s")
	v.SetDefault("health.max_concurrent", 5)
	v.SetDefault("health.bus_endpoints", []string{})
	v.SetDefault("health.data_dir", "./data")
	v.SetDefault("health.external_urls", []string{})
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("retention.prune_interval", "1h")
	v.SetDefault("retention.snapshot_retention", "168h")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("STACKPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnvIfPresent loads a .env file when one exists; a missing file is
// not an error.
func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("load %s: %w", path, err)
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
