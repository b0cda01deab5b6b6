// Package config provides configuration management for the Paseo daemon.
// It supports loading configuration from environment variables, a config file
// under $PASEO_HOME, and defaults. CLI flags override everything.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPort is the default daemon listen port.
const DefaultPort = 6767

// Config holds all configuration sections for the Paseo daemon.
type Config struct {
	Home         string        `mapstructure:"home"`
	Listen       string        `mapstructure:"listen"`
	AllowedHosts []string      `mapstructure:"allowedHosts"`
	AuthToken    string        `mapstructure:"authToken"`
	NATS         NATSConfig    `mapstructure:"nats"`
	Agent        AgentConfig   `mapstructure:"agent"`
	Logging      LoggingConfig `mapstructure:"logging"`
	Tracing      TracingConfig `mapstructure:"tracing"`
}

// NATSConfig holds optional NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent runtime tuning.
type AgentConfig struct {
	// StartupTimeout bounds provider adapter startup (seconds).
	StartupTimeout int `mapstructure:"startupTimeout"`

	// CancelTimeout bounds how long an interrupt may take before the
	// manager forces the agent back to idle (seconds).
	CancelTimeout int `mapstructure:"cancelTimeout"`

	// DrainTimeout bounds shutdown draining (seconds).
	DrainTimeout int `mapstructure:"drainTimeout"`

	// AutoWakeWindow keeps the provider stream pump alive after a turn
	// completes so autonomous provider events can re-wake the agent (seconds).
	AutoWakeWindow int `mapstructure:"autoWakeWindow"`

	// SubscriberQueueSize bounds each subscription channel.
	SubscriberQueueSize int `mapstructure:"subscriberQueueSize"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry export configuration.
// An empty endpoint disables tracing.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// StartupTimeoutDuration returns the adapter startup timeout.
func (a *AgentConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(a.StartupTimeout) * time.Second
}

// CancelTimeoutDuration returns the interrupt settle timeout.
func (a *AgentConfig) CancelTimeoutDuration() time.Duration {
	return time.Duration(a.CancelTimeout) * time.Second
}

// DrainTimeoutDuration returns the shutdown drain timeout.
func (a *AgentConfig) DrainTimeoutDuration() time.Duration {
	return time.Duration(a.DrainTimeout) * time.Second
}

// AutoWakeWindowDuration returns the background wake window.
func (a *AgentConfig) AutoWakeWindowDuration() time.Duration {
	return time.Duration(a.AutoWakeWindow) * time.Second
}

// DefaultHome returns the default Paseo home directory (~/.paseo).
func DefaultHome() string {
	if home := os.Getenv("PASEO_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".paseo"
	}
	return filepath.Join(userHome, ".paseo")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("home", DefaultHome())
	v.SetDefault("listen", fmt.Sprintf("127.0.0.1:%d", DefaultPort))
	v.SetDefault("allowedHosts", []string{})
	v.SetDefault("authToken", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "paseo-daemon")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.startupTimeout", 60)
	v.SetDefault("agent.cancelTimeout", 10)
	v.SetDefault("agent.drainTimeout", 30)
	v.SetDefault("agent.autoWakeWindow", 600)
	v.SetDefault("agent.subscriberQueueSize", 1024)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "")

	// Tracing defaults
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "paseo-daemon")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PASEO_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified home directory or defaults.
func LoadWithPath(home string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	if home != "" {
		v.Set("home", home)
	}

	v.SetEnvPrefix("PASEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Top-level keys whose env var naming differs from the viper key.
	_ = v.BindEnv("listen", "PASEO_LISTEN")
	_ = v.BindEnv("home", "PASEO_HOME")
	_ = v.BindEnv("authToken", "PASEO_AUTH_TOKEN")
	_ = v.BindEnv("tracing.otlpEndpoint", "PASEO_OTLP_ENDPOINT")
	_ = v.BindEnv("nats.url", "PASEO_NATS_URL")

	// PASEO_ALLOWED_HOSTS is comma-separated
	if hosts := os.Getenv("PASEO_ALLOWED_HOSTS"); hosts != "" {
		v.Set("allowedHosts", splitHosts(hosts))
	}

	// Optional config file under $PASEO_HOME
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(v.GetString("home"))
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Logging.OutputPath == "" {
		cfg.Logging.OutputPath = filepath.Join(cfg.Home, "daemon.log")
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func splitHosts(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Listen == "" {
		errs = append(errs, "listen address is required")
	}
	if cfg.Home == "" {
		errs = append(errs, "home directory is required")
	}

	if cfg.Agent.StartupTimeout <= 0 {
		errs = append(errs, "agent.startupTimeout must be positive")
	}
	if cfg.Agent.CancelTimeout <= 0 {
		errs = append(errs, "agent.cancelTimeout must be positive")
	}
	if cfg.Agent.SubscriberQueueSize <= 0 {
		errs = append(errs, "agent.subscriberQueueSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// PidDir returns the directory holding PID lock files.
func (c *Config) PidDir() string {
	return filepath.Join(c.Home, "pids")
}

// RegistryDir returns the directory holding the agent snapshot store.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.Home, "registry")
}
