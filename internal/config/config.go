// Package config loads warden's YAML configuration: store path, dispatch
// loop tuning, gate-to-approver table, group signing secrets, and
// maintenance schedules.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DispatchConfig tunes the dispatch loop.
type DispatchConfig struct {
	// IntervalSeconds between loop ticks. Default 5.
	IntervalSeconds int `yaml:"interval_seconds"`

	// WIPLimit is the per-assigned-group ceiling of DOING tasks. Default 3.
	WIPLimit int `yaml:"wip_limit"`

	// WIPOverrides sets per-group ceilings that replace the default.
	WIPOverrides map[string]int `yaml:"wip_overrides"`
}

// BrokerConfig tunes the capability broker.
type BrokerConfig struct {
	// MaxInFlightCalls is the per-group backpressure ceiling of
	// processing-status calls. Default 4.
	MaxInFlightCalls int `yaml:"max_in_flight_calls"`

	// SecretEnv maps group name to the environment variable holding its
	// signing secret. Secret values never appear in config files.
	SecretEnv map[string]string `yaml:"secret_env"`

	// ProviderDir holds provider manifest YAML files. Default
	// <home>/providers.
	ProviderDir string `yaml:"provider_dir"`
}

// TelemetryConfig controls the metrics pipeline. Structured logging is
// always on; only metrics export is optional.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	ServiceName    string `yaml:"service_name"`
}

// MaintenanceConfig schedules retention and backups.
type MaintenanceConfig struct {
	// RetentionCron is a 5-field cron expression for the retention purge.
	// Default "0 3 * * *".
	RetentionCron string `yaml:"retention_cron"`

	// ExtCallRetentionDays is the age past which terminal external-call rows
	// are purged. Default 90. Governance rows are never purged.
	ExtCallRetentionDays int `yaml:"ext_call_retention_days"`

	// BackupCron schedules automatic backups; empty disables them.
	BackupCron string `yaml:"backup_cron"`

	// BackupDir receives scheduled backups. Default <home>/backups.
	BackupDir string `yaml:"backup_dir"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// AdminGroup is the top-level administrative group: the only actor that
	// may override transitions, manage grants, and bypass L2 group matching.
	AdminGroup string `yaml:"admin_group"`

	// Gates maps each gate to exactly one authorized approving group.
	Gates map[string]string `yaml:"gates"`

	// StrictEvidence requires an execution summary on DOING->REVIEW.
	StrictEvidence bool `yaml:"strict_evidence"`

	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Broker      BrokerConfig      `yaml:"broker"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

func DefaultHomeDir() string {
	if env := os.Getenv("WARDEN_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

func defaults(homeDir string) Config {
	return Config{
		HomeDir:    homeDir,
		DBPath:     filepath.Join(homeDir, "warden.db"),
		LogLevel:   "info",
		AdminGroup: "exec",
		Gates: map[string]string{
			"security":   "security-review",
			"finance":    "finance-review",
			"compliance": "compliance-review",
		},
		StrictEvidence: true,
		Dispatch: DispatchConfig{
			IntervalSeconds: 5,
			WIPLimit:        3,
		},
		Broker: BrokerConfig{
			MaxInFlightCalls: 4,
			ProviderDir:      filepath.Join(homeDir, "providers"),
		},
		Maintenance: MaintenanceConfig{
			RetentionCron:        "0 3 * * *",
			ExtCallRetentionDays: 90,
			BackupDir:            filepath.Join(homeDir, "backups"),
		},
	}
}

// Load reads <homeDir>/config.yaml, filling defaults for missing fields. A
// missing file yields the defaults.
func Load(homeDir string) (Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := defaults(homeDir)

	data, err := os.ReadFile(filepath.Join(homeDir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	base := defaults(c.HomeDir)
	if c.DBPath == "" {
		c.DBPath = base.DBPath
	}
	if c.LogLevel == "" {
		c.LogLevel = base.LogLevel
	}
	if c.AdminGroup == "" {
		c.AdminGroup = base.AdminGroup
	}
	if len(c.Gates) == 0 {
		c.Gates = base.Gates
	}
	if c.Dispatch.IntervalSeconds <= 0 {
		c.Dispatch.IntervalSeconds = base.Dispatch.IntervalSeconds
	}
	if c.Dispatch.WIPLimit <= 0 {
		c.Dispatch.WIPLimit = base.Dispatch.WIPLimit
	}
	if c.Broker.MaxInFlightCalls <= 0 {
		c.Broker.MaxInFlightCalls = base.Broker.MaxInFlightCalls
	}
	if c.Broker.ProviderDir == "" {
		c.Broker.ProviderDir = base.Broker.ProviderDir
	}
	if c.Maintenance.RetentionCron == "" {
		c.Maintenance.RetentionCron = base.Maintenance.RetentionCron
	}
	if c.Maintenance.ExtCallRetentionDays <= 0 {
		c.Maintenance.ExtCallRetentionDays = base.Maintenance.ExtCallRetentionDays
	}
	if c.Maintenance.BackupDir == "" {
		c.Maintenance.BackupDir = base.Maintenance.BackupDir
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.AdminGroup) == "" {
		return fmt.Errorf("admin_group must not be empty")
	}
	for gate, group := range c.Gates {
		if strings.TrimSpace(gate) == "" || strings.TrimSpace(group) == "" {
			return fmt.Errorf("gate entry %q -> %q is invalid", gate, group)
		}
	}
	for group, envName := range c.Broker.SecretEnv {
		if strings.TrimSpace(group) == "" || strings.TrimSpace(envName) == "" {
			return fmt.Errorf("broker secret_env entry %q -> %q is invalid", group, envName)
		}
	}
	return nil
}

// GroupSecret resolves a group's signing secret from its configured
// environment variable. Returns "" when the group has no secret configured
// or the variable is unset.
func (c *Config) GroupSecret(group string) string {
	envName, ok := c.Broker.SecretEnv[group]
	if !ok {
		return ""
	}
	return os.Getenv(envName)
}

// SecretNames returns the environment variable names referenced by the
// config, for backup manifests. Values are never included.
func (c *Config) SecretNames() []string {
	names := make([]string, 0, len(c.Broker.SecretEnv))
	for _, envName := range c.Broker.SecretEnv {
		names = append(names, envName)
	}
	return names
}
