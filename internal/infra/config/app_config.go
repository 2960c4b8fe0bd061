// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APITokenEnv supplies the control API bearer token when the config leaves it blank.
const APITokenEnv = "TEGROLINK_API_TOKEN"

// DefaultAPIAddr binds the control API to loopback only.
const DefaultAPIAddr = "127.0.0.1:8880"

// APIServerConfig configures the gateway's HTTP control surface.
// POST and DELETE routes stay disabled until AuthToken is set.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	AuthToken       string        `yaml:"authToken"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

func (c *APIServerConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = DefaultAPIAddr
	}
	c.AuthToken = strings.TrimSpace(c.AuthToken)
	if c.AuthToken == "" {
		c.AuthToken = strings.TrimSpace(os.Getenv(APITokenEnv))
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the log level, encoding and sink.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

func (c *LoggingConfig) applyDefaults() {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if c.Level == "" {
		c.Level = "info"
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = "json"
	}
	c.Output = strings.TrimSpace(c.Output)
	if c.Output == "" {
		c.Output = "stdout"
	}
}

func (c LoggingConfig) validate() error {
	switch c.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("level %q not supported", c.Level)
	}
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("format must be json or text")
	}
	if c.MaxSizeMB < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("rotation limits must be >=0")
	}
	return nil
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
// The recorder is only wired when Enabled is set.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	// MigrationsPath overrides the migrations embedded in the binary when set.
	MigrationsPath string `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/tegrolink"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified gateway configuration sourced from YAML.
// The tegro block is kept as a raw map and parsed by the adapter itself.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Tegro       map[string]any  `yaml:"tegro"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
	Database    DatabaseConfig  `yaml:"database"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes, normalises and validates raw YAML configuration.
func Parse(raw []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	if c.Tegro == nil {
		c.Tegro = map[string]any{}
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tegrolink"
	}
	c.APIServer.applyDefaults()
	c.Logging.applyDefaults()
	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if err := c.Logging.validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Database.Enabled {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
