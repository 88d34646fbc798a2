package config

import (
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	HomeAssistant   HomeAssistantConfig `yaml:"homeassistant"`
	Scenes          ScenesConfig        `yaml:"scenes"`
	MQTT            MQTTConfig          `yaml:"mqtt"`
	API             APIConfig           `yaml:"api"`
	Database        DatabaseConfig      `yaml:"database"`
	History         HistoryConfig       `yaml:"history"`
	Hooks           HooksConfig         `yaml:"hooks"`
	Ledger          LedgerConfig        `yaml:"ledger"`
	Log             LogConfig           `yaml:"log"`
	EventBus        EventBusConfig      `yaml:"eventbus"`
	ShutdownTimeout Duration            `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// HomeAssistantConfig contains Home Assistant connection settings
type HomeAssistantConfig struct {
	URL     string   `yaml:"url"`   // Base URL, e.g. http://homeassistant.local:8123
	Token   string   `yaml:"token"` // Long-lived access token
	Timeout Duration `yaml:"timeout"`

	// WebSocket reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)

	RateLimitRPS float64 `yaml:"rate_limit_rps"` // Service call rate limit (default: 10)
}

// ScenesConfig contains scene matching settings
type ScenesConfig struct {
	Path                string              `yaml:"path"` // Path to scenes.yaml
	NumberTolerance     float64             `yaml:"number_tolerance"`
	TransitionTime      float64             `yaml:"transition_time"` // Seconds, passed to scene calls
	DebounceTime        Duration            `yaml:"debounce_time"`
	RestoreOnDeactivate bool                `yaml:"restore_on_deactivate"`
	IgnoreUnavailable   bool                `yaml:"ignore_unavailable"`
	Attributes          map[string][]string `yaml:"attributes"` // Per-domain allow-list overrides
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"` // e.g. tcp://127.0.0.1:1883
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicRoot string `yaml:"topic_root"`
	QoS       byte   `yaml:"qos"`

	// DiscoveryPrefix enables Home Assistant MQTT discovery when set,
	// e.g. "homeassistant". Empty disables discovery.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// APIConfig contains HTTP API server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HistoryConfig contains InfluxDB verdict history settings
type HistoryConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token"`
	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// HooksConfig contains Lua hook settings
type HooksConfig struct {
	Enabled bool   `yaml:"enabled"`
	Script  string `yaml:"script"`
}

// LedgerConfig contains transition ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"use_json"`
	Colors  bool   `yaml:"colors"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./scenesd.sqlite"
	}

	// Home Assistant defaults
	if cfg.HomeAssistant.URL == "" {
		cfg.HomeAssistant.URL = "http://127.0.0.1:8123"
	}
	if cfg.HomeAssistant.Timeout == 0 {
		cfg.HomeAssistant.Timeout = Duration(30 * time.Second)
	}
	if cfg.HomeAssistant.MinRetryBackoff == 0 {
		cfg.HomeAssistant.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.HomeAssistant.MaxRetryBackoff == 0 {
		cfg.HomeAssistant.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.HomeAssistant.RetryMultiplier == 0 {
		cfg.HomeAssistant.RetryMultiplier = 2.0
	}
	// MaxReconnects defaults to 0 (infinite), no need to set
	if cfg.HomeAssistant.RateLimitRPS == 0 {
		cfg.HomeAssistant.RateLimitRPS = 10.0
	}

	// Scene matching defaults
	if cfg.Scenes.Path == "" {
		cfg.Scenes.Path = "./scenes.yaml"
	}
	if cfg.Scenes.NumberTolerance == 0 {
		cfg.Scenes.NumberTolerance = 3
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "scenesd"
	}
	if cfg.MQTT.TopicRoot == "" {
		cfg.MQTT.TopicRoot = "scenesd"
	}

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 9090
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}

	// Hooks defaults
	if cfg.Hooks.Script == "" {
		cfg.Hooks.Script = "hooks.lua"
	}

	// History defaults
	if cfg.History.BatchSize == 0 {
		cfg.History.BatchSize = 100
	}
	if cfg.History.FlushInterval == 0 {
		cfg.History.FlushInterval = Duration(10 * time.Second)
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
