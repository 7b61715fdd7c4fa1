// Package config provides configuration management for the Pylon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment identifiers carried by PYLON_ENV_CONFIG.
const (
	EnvRelease = "release"
	EnvStage   = "stage"
	EnvDev     = "dev"
)

// Config holds all configuration sections for the Pylon.
type Config struct {
	Relay    RelayConfig    `mapstructure:"relay"`
	Beacon   BeaconConfig   `mapstructure:"beacon"`
	Mcp      McpConfig      `mapstructure:"mcp"`
	Database DatabaseConfig `mapstructure:"database"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// Environment and Version come from PYLON_ENV_CONFIG / PYLON_VERSION.
	Environment string `mapstructure:"-"`
	Version     string `mapstructure:"-"`
}

// RelayConfig holds the cloud relay connection configuration.
type RelayConfig struct {
	URL        string `mapstructure:"url"`
	DeviceID   int    `mapstructure:"deviceId"`   // pylon id, 1..127
	DeviceName string `mapstructure:"deviceName"` // optional display name

	// RequestTimeout is the default wait for request/reply envelopes, in seconds.
	RequestTimeout int `mapstructure:"requestTimeout"`

	// PacketLogPath enables the envelope packet log when non-empty.
	PacketLogPath string `mapstructure:"packetLogPath"`
}

// BeaconConfig holds the beacon TCP service configuration.
type BeaconConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// McpConfig holds the MCP bridge TCP service configuration.
type McpConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds the SQLite persistence configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DeployConfig holds the deploy action configuration.
type DeployConfig struct {
	ScriptPath string `mapstructure:"scriptPath"`
	LogDir     string `mapstructure:"logDir"`
}

// TasksConfig holds the markdown task adapter configuration.
type TasksConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RequestTimeoutDuration returns the request/reply timeout as a time.Duration.
func (r *RelayConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(r.RequestTimeout) * time.Second
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("ESTELLE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.url", "wss://relay.estelle.dev/ws")
	v.SetDefault("relay.deviceId", 0)
	v.SetDefault("relay.deviceName", "")
	v.SetDefault("relay.requestTimeout", 30)
	v.SetDefault("relay.packetLogPath", "")

	// Local TCP services bind to loopback only and trust their peer.
	v.SetDefault("beacon.host", "127.0.0.1")
	v.SetDefault("beacon.port", 9875)
	v.SetDefault("mcp.host", "127.0.0.1")
	v.SetDefault("mcp.port", 9880)

	v.SetDefault("database.path", "./pylon.db")

	v.SetDefault("deploy.scriptPath", "./scripts/deploy.sh")
	v.SetDefault("deploy.logDir", "./logs")

	v.SetDefault("tasks.dir", "./tasks")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ESTELLE_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ESTELLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// keys whose env var naming differs are bound explicitly.
	_ = v.BindEnv("relay.deviceId", "ESTELLE_RELAY_DEVICE_ID")
	_ = v.BindEnv("relay.deviceName", "ESTELLE_RELAY_DEVICE_NAME")
	_ = v.BindEnv("relay.requestTimeout", "ESTELLE_RELAY_REQUEST_TIMEOUT")
	_ = v.BindEnv("relay.packetLogPath", "ESTELLE_RELAY_PACKET_LOG_PATH")
	_ = v.BindEnv("deploy.scriptPath", "ESTELLE_DEPLOY_SCRIPT_PATH")
	_ = v.BindEnv("deploy.logDir", "ESTELLE_DEPLOY_LOG_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/estelle/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Environment = loadEnvironment()
	cfg.Version = os.Getenv("PYLON_VERSION")

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadEnvironment parses PYLON_ENV_CONFIG, a JSON object {"envId":0|1|2}
// mapping to release/stage/dev. Missing or malformed config means dev.
func loadEnvironment() string {
	raw := os.Getenv("PYLON_ENV_CONFIG")
	if raw == "" {
		return EnvDev
	}
	var envCfg struct {
		EnvID int `json:"envId"`
	}
	if err := json.Unmarshal([]byte(raw), &envCfg); err != nil {
		return EnvDev
	}
	switch envCfg.EnvID {
	case 0:
		return EnvRelease
	case 1:
		return EnvStage
	default:
		return EnvDev
	}
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Relay.URL == "" {
		errs = append(errs, "relay.url is required")
	}
	if cfg.Relay.DeviceID < 1 || cfg.Relay.DeviceID > 127 {
		errs = append(errs, "relay.deviceId must be between 1 and 127")
	}
	if cfg.Relay.RequestTimeout <= 0 {
		errs = append(errs, "relay.requestTimeout must be positive")
	}

	if cfg.Beacon.Port <= 0 || cfg.Beacon.Port > 65535 {
		errs = append(errs, "beacon.port must be between 1 and 65535")
	}
	if cfg.Mcp.Port <= 0 || cfg.Mcp.Port > 65535 {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}
	if cfg.Beacon.Port == cfg.Mcp.Port {
		errs = append(errs, "beacon.port and mcp.port must differ")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
