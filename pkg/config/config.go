package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/host"
	"github.com/McTwist/vmctrl/pkg/logging"
)

// InputStdin selects standard input as the command source.
const InputStdin = "stdin"

// Config represents the top-level configuration file structure
type Config struct {
	Daemon DaemonConfig `yaml:"daemon" toml:"daemon"`
	Host   HostConfig   `yaml:"host" toml:"host"`
	Units  UnitsConfig  `yaml:"units" toml:"units"`
}

// DaemonConfig represents daemon-level configuration
type DaemonConfig struct {
	LogLevel          string        `yaml:"log_level,omitempty" toml:"log_level"`
	LogFormat         string        `yaml:"log_format,omitempty" toml:"log_format"`
	LogOutput         string        `yaml:"log_output,omitempty" toml:"log_output"`
	Input             string        `yaml:"input,omitempty" toml:"input"` // "stdin" or a fifo path
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout,omitempty" toml:"shutdown_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval,omitempty" toml:"reconcile_interval"` // 0 disables
}

// HostType selects the host adapter implementation
type HostType string

const (
	HostTypeProxmox HostType = "proxmox"
	HostTypeDry     HostType = "dry"
)

// HostConfig configures the host adapter
type HostConfig struct {
	Type           HostType      `yaml:"type,omitempty" toml:"type"`
	QmPath         string        `yaml:"qm_path,omitempty" toml:"qm_path"`
	PctPath        string        `yaml:"pct_path,omitempty" toml:"pct_path"`
	StopMode       host.StopMode `yaml:"stop_mode,omitempty" toml:"stop_mode"`
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty" toml:"command_timeout"`
	DryDelay       time.Duration `yaml:"dry_delay,omitempty" toml:"dry_delay"`
}

// UnitsConfig restricts which units the daemon manages, by id or name
type UnitsConfig struct {
	Include []string `yaml:"include,omitempty" toml:"include"`
	Exclude []string `yaml:"exclude,omitempty" toml:"exclude"`
}

// DefaultConfig returns a configuration with every default applied, used when
// no configuration file is given
func DefaultConfig() *Config {
	config := &Config{}
	setConfigDefaults(config)
	return config
}

// LoadConfigFromFile loads configuration from a YAML (.yaml, .yml) or TOML
// (.toml) file and applies defaults
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, errors.NewValidationError("failed to parse TOML configuration", err).WithContext("filename", filename)
		}
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported configuration format: %s", ext), nil).
			WithContext("filename", filename).WithContext("supported_formats", ".yaml, .yml, .toml")
	}

	setConfigDefaults(&config)
	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateDaemonConfig(&config.Daemon); err != nil {
		return errors.NewValidationError("invalid daemon configuration", err)
	}

	if err := validateHostConfig(&config.Host); err != nil {
		return errors.NewValidationError("invalid host configuration", err)
	}

	if err := validateUnitsConfig(&config.Units); err != nil {
		return errors.NewValidationError("invalid units configuration", err)
	}

	return nil
}

// ValidateConfigFile validates a configuration file without running the daemon
func ValidateConfigFile(filename string) error {
	config, err := LoadConfigFromFile(filename)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", filename)
	}

	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", filename)
	}

	return nil
}

// ZapConfig maps the daemon logging options onto the zap backend configuration
func (d DaemonConfig) ZapConfig() logging.ZapConfig {
	zapConfig := logging.DefaultZapConfig()
	if d.LogLevel != "" {
		zapConfig.Level = d.LogLevel
	}
	if d.LogFormat != "" {
		zapConfig.Format = d.LogFormat
	}
	if d.LogOutput != "" {
		zapConfig.Output = d.LogOutput
	}
	return zapConfig
}

// ProxmoxOptions maps the host section onto the Proxmox adapter options
func (h HostConfig) ProxmoxOptions() host.ProxmoxOptions {
	return host.ProxmoxOptions{
		QmPath:   h.QmPath,
		PctPath:  h.PctPath,
		StopMode: h.StopMode,
	}
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	if config.Daemon.LogLevel == "" {
		config.Daemon.LogLevel = "info"
	}
	if config.Daemon.LogFormat == "" {
		config.Daemon.LogFormat = "console"
	}
	if config.Daemon.LogOutput == "" {
		config.Daemon.LogOutput = "stderr"
	}
	if config.Daemon.Input == "" {
		config.Daemon.Input = InputStdin
	}
	if config.Daemon.ShutdownTimeout == 0 {
		config.Daemon.ShutdownTimeout = 30 * time.Second
	}

	if config.Host.Type == "" {
		config.Host.Type = HostTypeProxmox
	}
	if config.Host.QmPath == "" {
		config.Host.QmPath = "qm"
	}
	if config.Host.PctPath == "" {
		config.Host.PctPath = "pct"
	}
	if config.Host.StopMode == "" {
		config.Host.StopMode = host.StopModeShutdown
	}
	if config.Host.CommandTimeout == 0 {
		config.Host.CommandTimeout = 5 * time.Minute
	}
}

// Validation functions

func validateDaemonConfig(config *DaemonConfig) error {
	if err := validateOneOf("log level", config.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if err := validateOneOf("log format", config.LogFormat, "console", "json"); err != nil {
		return err
	}
	if config.Input == "" {
		return errors.NewValidationError("input cannot be empty", nil)
	}
	if config.ShutdownTimeout < 0 {
		return errors.NewValidationError("shutdown timeout cannot be negative", nil).
			WithContext("shutdown_timeout", config.ShutdownTimeout.String())
	}
	if config.ReconcileInterval < 0 {
		return errors.NewValidationError("reconcile interval cannot be negative", nil).
			WithContext("reconcile_interval", config.ReconcileInterval.String())
	}
	return nil
}

func validateHostConfig(config *HostConfig) error {
	if err := validateOneOf("host type", string(config.Type), string(HostTypeProxmox), string(HostTypeDry)); err != nil {
		return err
	}
	if err := validateOneOf("stop mode", string(config.StopMode), string(host.StopModeShutdown), string(host.StopModeStop)); err != nil {
		return err
	}
	if config.Type == HostTypeProxmox && (config.QmPath == "" || config.PctPath == "") {
		return errors.NewValidationError("qm and pct paths are required for the proxmox host", nil)
	}
	if config.CommandTimeout < 0 {
		return errors.NewValidationError("command timeout cannot be negative", nil).
			WithContext("command_timeout", config.CommandTimeout.String())
	}
	if config.DryDelay < 0 {
		return errors.NewValidationError("dry delay cannot be negative", nil).
			WithContext("dry_delay", config.DryDelay.String())
	}
	return nil
}

func validateUnitsConfig(config *UnitsConfig) error {
	included := make(map[string]bool, len(config.Include))
	for i, ref := range config.Include {
		if strings.TrimSpace(ref) == "" {
			return errors.NewValidationError(fmt.Sprintf("empty include entry at index %d", i), nil)
		}
		included[ref] = true
	}
	for i, ref := range config.Exclude {
		if strings.TrimSpace(ref) == "" {
			return errors.NewValidationError(fmt.Sprintf("empty exclude entry at index %d", i), nil)
		}
		if included[ref] {
			return errors.NewConflictError(fmt.Sprintf("unit '%s' is both included and excluded", ref), nil).
				WithContext("unit", ref)
		}
	}
	return nil
}

func validateOneOf(field, value string, valid ...string) error {
	for _, candidate := range valid {
		if value == candidate {
			return nil
		}
	}
	return errors.NewValidationError(fmt.Sprintf("invalid %s: %s", field, value), nil).
		WithContext("valid_values", strings.Join(valid, ", "))
}

// Summary returns a one-line overview of the configuration for startup logs
func (c *Config) Summary() string {
	input := c.Daemon.Input
	if input != InputStdin {
		input = "fifo " + input
	}
	return fmt.Sprintf("host: %s, stop mode: %s, input: %s, command timeout: %v, reconcile interval: %v, include: %d, exclude: %d",
		c.Host.Type, c.Host.StopMode, input, c.Host.CommandTimeout, c.Daemon.ReconcileInterval,
		len(c.Units.Include), len(c.Units.Exclude))
}
