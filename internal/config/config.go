// Package config loads opscore configuration from OPSCORE_HOME/config.yaml
// with environment overrides and normalized defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/kitz-os/opscore/internal/otel"
)

// GatewayConfig holds the HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
}

// SwarmConfig holds defaults for swarm runs; per-run values override these.
type SwarmConfig struct {
	Concurrency         int `yaml:"concurrency"`
	AgentTimeoutSeconds int `yaml:"agent_timeout_seconds"`
}

// CronConfig names the schedules for the maintenance jobs.
type CronConfig struct {
	TickSeconds   int    `yaml:"tick_seconds"`
	PurgeExpr     string `yaml:"purge"`
	SLARemindExpr string `yaml:"sla_remind"`
	RetrySweep    string `yaml:"retry_sweep"`
}

// PersistenceConfig toggles the SQLite snapshot layer.
type PersistenceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the root configuration.
type Config struct {
	HomeDir     string            `yaml:"-"`
	LogLevel    string            `yaml:"log_level"`
	Quiet       bool              `yaml:"quiet"`
	TeamsFile   string            `yaml:"teams_file"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Swarm       SwarmConfig       `yaml:"swarm"`
	Cron        CronConfig        `yaml:"cron"`
	Persistence PersistenceConfig `yaml:"persistence"`
	OTel        otel.Config       `yaml:"otel"`
}

// HomeDir resolves the opscore home directory. OPSCORE_HOME wins; otherwise
// ~/.opscore.
func HomeDir() string {
	if dir := os.Getenv("OPSCORE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opscore"
	}
	return filepath.Join(home, ".opscore")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:8799",
		},
		Swarm: SwarmConfig{
			Concurrency:         6,
			AgentTimeoutSeconds: 60,
		},
		Cron: CronConfig{
			TickSeconds:   60,
			PurgeExpr:     "0 * * * *",    // hourly
			SLARemindExpr: "*/15 * * * *", // every 15 minutes
			RetrySweep:    "* * * * *",    // every minute
		},
		Persistence: PersistenceConfig{Enabled: true},
	}
}

// Load reads OPSCORE_HOME/config.yaml over the defaults. A missing file is
// not an error; the defaults stand.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create opscore home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSCORE_BIND_ADDR"); v != "" {
		cfg.Gateway.BindAddr = v
	}
	if v := os.Getenv("OPSCORE_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("OPSCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPSCORE_SWARM_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Swarm.Concurrency = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:8799"
	}
	if cfg.Swarm.Concurrency <= 0 {
		cfg.Swarm.Concurrency = 6
	}
	if cfg.Swarm.AgentTimeoutSeconds <= 0 {
		cfg.Swarm.AgentTimeoutSeconds = 60
	}
	if cfg.Cron.TickSeconds <= 0 {
		cfg.Cron.TickSeconds = 60
	}
	if cfg.Cron.PurgeExpr == "" {
		cfg.Cron.PurgeExpr = "0 * * * *"
	}
	if cfg.Cron.SLARemindExpr == "" {
		cfg.Cron.SLARemindExpr = "*/15 * * * *"
	}
	if cfg.Cron.RetrySweep == "" {
		cfg.Cron.RetrySweep = "* * * * *"
	}
	if cfg.TeamsFile == "" {
		cfg.TeamsFile = filepath.Join(cfg.HomeDir, "teams.yaml")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		cfg.LogLevel = "info"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Swarm.Concurrency > 64 {
		return fmt.Errorf("swarm.concurrency %d too high (max 64)", c.Swarm.Concurrency)
	}
	if c.OTel.Enabled {
		switch c.OTel.Exporter {
		case "", "otlp-http", "stdout", "none":
		default:
			return fmt.Errorf("otel.exporter %q not supported", c.OTel.Exporter)
		}
	}
	return nil
}
