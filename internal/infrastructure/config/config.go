package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the environment variable holding the config file path.
const ConfigPathEnv = "HASSAGENT_CONFIG"

// DefaultConfigPath is used when ConfigPathEnv is unset.
const DefaultConfigPath = "configs/config.yaml"

// supervisorURL is the Home Assistant core API as seen from inside an add-on.
const supervisorURL = "http://supervisor/core"

// Config is the root configuration structure for the agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`
	Security      SecurityConfig      `yaml:"security"`
}

// AgentConfig identifies this agent instance.
type AgentConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// HomeAssistantConfig contains the hub connection settings.
// Durations are in seconds.
type HomeAssistantConfig struct {
	// URL is the Home Assistant base URL. Inside an add-on it defaults to
	// the Supervisor proxy when SUPERVISOR_TOKEN is present.
	URL string `yaml:"url"`

	// Token is a long-lived access token. Empty leaves the hub disabled.
	Token string `yaml:"token"`

	RequestTimeout   int `yaml:"request_timeout"`
	WriteTimeout     int `yaml:"write_timeout"`
	HandshakeTimeout int `yaml:"handshake_timeout"`
	PingInterval     int `yaml:"ping_interval"`
	PongTimeout      int `yaml:"pong_timeout"`

	// EventQueueSize is the per-listener event buffer.
	EventQueueSize int `yaml:"event_queue_size"`

	// SubscribeEvents lists the hub event types relayed to MQTT and the
	// agent event stream. "*" relays everything.
	SubscribeEvents []string `yaml:"subscribe_events"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig contains reconnection backoff settings.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// Enabled reports whether a hub connection is configured.
func (c HomeAssistantConfig) Enabled() bool {
	return c.Token != ""
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Broker    MQTTBrokerConfig `yaml:"broker"`
	Auth      MQTTAuthConfig   `yaml:"auth"`
	QoS       int              `yaml:"qos"`
	Reconnect ReconnectConfig  `yaml:"reconnect"`

	// Commands enables hub service calls requested on
	// <prefix>/command/call_service. Each call is audited.
	Commands bool `yaml:"commands"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the agent event stream.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	// APIKey is the bearer key agents present on /api routes.
	APIKey string `yaml:"api_key"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern HASSAGENT_SECTION_KEY, for
// example HASSAGENT_DATABASE_PATH. The Home Assistant add-on variables
// HA_URL, HA_TOKEN, SUPERVISOR_TOKEN, API_KEY, HA_AGENT_KEY, PORT and
// LOG_LEVEL are honoured as well.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:   "hassagent",
			Name: "Home Assistant Agent",
		},
		HomeAssistant: HomeAssistantConfig{
			URL:              "http://homeassistant.local:8123",
			RequestTimeout:   30,
			WriteTimeout:     10,
			HandshakeTimeout: 10,
			PingInterval:     30,
			PongTimeout:      10,
			EventQueueSize:   256,
			SubscribeEvents:  []string{"state_changed", "entity_registry_updated"},
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     30,
				MaxAttempts:  10,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/hassagent.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hassagent",
			},
			QoS: 1,
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8099,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  120,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/events/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "hassagent",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// HASSAGENT_* variables take precedence over the add-on variables.
func applyEnvOverrides(cfg *Config) {
	// Home Assistant add-on environment
	if v := os.Getenv("SUPERVISOR_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
		cfg.HomeAssistant.URL = supervisorURL
	}
	if v := os.Getenv("HA_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := os.Getenv("HA_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
	}
	if v := os.Getenv("HA_AGENT_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := envInt("PORT"); v > 0 {
		cfg.API.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Home Assistant
	if v := os.Getenv("HASSAGENT_HA_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := os.Getenv("HASSAGENT_HA_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
	}

	// Database
	if v := os.Getenv("HASSAGENT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("HASSAGENT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("HASSAGENT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HASSAGENT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("HASSAGENT_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := envInt("HASSAGENT_API_PORT"); v > 0 {
		cfg.API.Port = v
	}

	// InfluxDB
	if v := os.Getenv("HASSAGENT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("HASSAGENT_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
}

// envInt returns the integer value of an environment variable, or 0 if
// unset or not a number.
func envInt(name string) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return 0
	}
	return v
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.ID == "" {
		errs = append(errs, "agent.id is required")
	}

	// Home Assistant validation only applies when a token is configured
	if c.HomeAssistant.Enabled() {
		u, err := url.Parse(c.HomeAssistant.URL)
		if err != nil || u.Host == "" {
			errs = append(errs, "home_assistant.url must be an absolute URL")
		}
		if c.HomeAssistant.Reconnect.MaxAttempts < 0 {
			errs = append(errs, "home_assistant.reconnect.max_attempts must not be negative")
		}
		for _, topic := range c.HomeAssistant.SubscribeEvents {
			if strings.TrimSpace(topic) == "" {
				errs = append(errs, "home_assistant.subscribe_events must not contain empty entries")
				break
			}
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// The agent API can call any Home Assistant service. Refuse to start
	// without a key rather than expose it unauthenticated.
	const minAPIKeyLength = 16
	if c.Security.APIKey == "" {
		errs = append(errs, "security.api_key is required (set API_KEY or HASSAGENT_API_KEY environment variable)")
	} else if len(c.Security.APIKey) < minAPIKeyLength {
		errs = append(errs, "security.api_key must be at least 16 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
