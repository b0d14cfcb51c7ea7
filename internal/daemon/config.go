// Package daemon manages the meshd daemon lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/tutu-network/meshd/internal/domain"
	"github.com/tutu-network/meshd/internal/health"
	"github.com/tutu-network/meshd/internal/infra/healing"
	"github.com/tutu-network/meshd/internal/infra/mesh"
	"github.com/tutu-network/meshd/internal/infra/placement"
	"github.com/tutu-network/meshd/internal/infra/topology"
)

// Config holds all daemon configuration.
type Config struct {
	Mesh      MeshConfig       `toml:"mesh" yaml:"mesh"`
	Placement placement.Config `toml:"placement" yaml:"placement"`
	API       APIConfig        `toml:"api" yaml:"api"`
	Storage   StorageConfig    `toml:"storage" yaml:"storage"`
	Logging   LoggingConfig    `toml:"logging" yaml:"logging"`
	Telemetry TelemetryConfig  `toml:"telemetry" yaml:"telemetry"`
}

// MeshConfig describes the mesh topology and its health policy.
type MeshConfig struct {
	Name                    string              `toml:"name" yaml:"name"`
	RoutingAlgorithm        string              `toml:"routing_algorithm" yaml:"routing_algorithm"`
	HealthCheckInterval     Duration            `toml:"health_check_interval" yaml:"health_check_interval"`
	CircuitBreakerThreshold float64             `toml:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   Duration            `toml:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout"`
	CircuitBreakerReset     Duration            `toml:"circuit_breaker_reset" yaml:"circuit_breaker_reset"`
	FailureProbability      float64             `toml:"failure_probability" yaml:"failure_probability"`
	Seed                    uint64              `toml:"seed" yaml:"seed"`
	Tiers                   []topology.TierSpec `toml:"tiers" yaml:"tiers"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host        string   `toml:"host" yaml:"host"`
	Port        int      `toml:"port" yaml:"port"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
}

// StorageConfig controls outcome persistence.
type StorageConfig struct {
	Enabled   bool     `toml:"enabled" yaml:"enabled"`
	Dir       string   `toml:"dir" yaml:"dir"`
	Retention Duration `toml:"retention" yaml:"retention"` // 0 keeps every decision
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // "json" or "console"
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus" yaml:"prometheus"`
}

// Duration is a time.Duration written as a string ("5s") in config files.
type Duration struct {
	time.Duration
}

// MarshalText encodes the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultTiers is the stock three-tier mesh.
func DefaultTiers() []topology.TierSpec {
	return []topology.TierSpec{
		{Level: domain.TierEdge, Nodes: 5, LatencyTargetMs: 10},
		{Level: domain.TierRegional, Nodes: 3, LatencyTargetMs: 50},
		{Level: domain.TierBackbone, Nodes: 2, LatencyTargetMs: 100},
	}
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	rc := mesh.DefaultConfig()
	return Config{
		Mesh: MeshConfig{
			Name:                    rc.Name,
			RoutingAlgorithm:        rc.RoutingAlgorithm,
			HealthCheckInterval:     Duration{rc.Health.Interval},
			CircuitBreakerThreshold: rc.Breaker.Threshold,
			CircuitBreakerTimeout:   Duration{rc.Breaker.Timeout},
			CircuitBreakerReset:     Duration{rc.Breaker.ResetTime},
			FailureProbability:      rc.FailureProbability,
			Seed:                    rc.Seed,
			Tiers:                   DefaultTiers(),
		},
		Placement: placement.DefaultConfig(),
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7420,
		},
		Storage: StorageConfig{
			Dir:       meshdHome(),
			Retention: Duration{7 * 24 * time.Hour},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads the config file at path, falling back to defaults. An
// empty path means $MESHD_HOME/config.toml, which may be absent. Files ending
// in .yaml or .yml are decoded as YAML, everything else as TOML. Environment
// overrides apply last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(meshdHome(), "config.toml")
	}

	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, applyEnv(&cfg) // No config file yet, use defaults
		}
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	// Tiers listed in a file replace the default mesh instead of merging.
	cfg.Mesh.Tiers = nil
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Mesh.Tiers == nil {
		cfg.Mesh.Tiers = DefaultTiers()
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv applies MESHD_* environment overrides.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("MESHD_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("MESHD_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MESHD_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}
	if v := os.Getenv("MESHD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MESHD_HEALTH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MESHD_HEALTH_INTERVAL: %w", err)
		}
		cfg.Mesh.HealthCheckInterval = Duration{d}
	}
	return nil
}

// Validate reports every invalid setting at once. Each violation wraps
// domain.ErrInvalidConfig unless a more specific sentinel applies.
func (c Config) Validate() error {
	var err error
	invalid := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidConfig}, args...)...))
	}

	if tierErr := topology.Validate(c.Mesh.Tiers); tierErr != nil {
		err = multierr.Append(err, fmt.Errorf("mesh.tiers: %w", tierErr))
	}
	if c.Mesh.HealthCheckInterval.Duration <= 0 {
		invalid("mesh.health_check_interval must be positive, got %s", c.Mesh.HealthCheckInterval)
	}
	if t := c.Mesh.CircuitBreakerThreshold; t <= 0 || t > 1 {
		invalid("mesh.circuit_breaker_threshold must be in (0,1], got %g", t)
	}
	if c.Mesh.CircuitBreakerTimeout.Duration <= 0 {
		invalid("mesh.circuit_breaker_timeout must be positive, got %s", c.Mesh.CircuitBreakerTimeout)
	}
	if c.Mesh.CircuitBreakerReset.Duration < 0 {
		invalid("mesh.circuit_breaker_reset must not be negative, got %s", c.Mesh.CircuitBreakerReset)
	}
	if p := c.Mesh.FailureProbability; p < 0 || p > 1 {
		invalid("mesh.failure_probability must be in [0,1], got %g", p)
	}
	if c.Placement.Iterations < 0 {
		invalid("placement.iterations must not be negative, got %d", c.Placement.Iterations)
	}
	if r := c.Placement.CoolingRate; r < 0 || r >= 1 {
		invalid("placement.cooling_rate must be in [0,1), got %g", r)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		invalid("api.port must be in 1..65535, got %d", c.API.Port)
	}
	if c.Storage.Enabled && c.Storage.Dir == "" {
		invalid("storage.dir is required when storage is enabled")
	}
	if c.Storage.Retention.Duration < 0 {
		invalid("storage.retention must not be negative, got %s", c.Storage.Retention)
	}
	if _, lvlErr := zapcore.ParseLevel(c.Logging.Level); lvlErr != nil {
		invalid("logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		invalid("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return err
}

// RouterConfig translates the file layout into the mesh router's config.
func (c Config) RouterConfig() mesh.Config {
	rc := mesh.DefaultConfig()
	rc.Name = c.Mesh.Name
	rc.RoutingAlgorithm = c.Mesh.RoutingAlgorithm
	rc.Breaker = healing.CircuitBreakerConfig{
		Threshold: c.Mesh.CircuitBreakerThreshold,
		Timeout:   c.Mesh.CircuitBreakerTimeout.Duration,
		ResetTime: c.Mesh.CircuitBreakerReset.Duration,
	}
	rc.Placement = c.Placement
	rc.Health = health.Config{
		Interval:    c.Mesh.HealthCheckInterval.Duration,
		Concurrency: rc.Health.Concurrency,
	}
	rc.FailureProbability = c.Mesh.FailureProbability
	rc.Seed = c.Mesh.Seed
	return rc
}

// WriteTOML encodes the config as TOML.
func WriteTOML(w io.Writer, cfg Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// SaveConfig writes the config to $MESHD_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(meshdHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return WriteTOML(f, cfg)
}

// meshdHome returns the meshd data directory.
func meshdHome() string {
	if env := os.Getenv("MESHD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".meshd")
}

// Home is exported for use by other packages.
func Home() string {
	return meshdHome()
}
