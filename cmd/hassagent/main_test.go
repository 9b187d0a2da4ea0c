package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/hass-agent/internal/hass"
	"github.com/nerrad567/hass-agent/internal/infrastructure/config"
	"github.com/nerrad567/hass-agent/internal/infrastructure/database"
	"github.com/nerrad567/hass-agent/internal/infrastructure/logging"
	"github.com/nerrad567/hass-agent/internal/infrastructure/mqtt"
)

// clearAddonEnv removes add-on variables that would override the test config.
func clearAddonEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"SUPERVISOR_TOKEN", "HA_URL", "HA_TOKEN", "HASSAGENT_HA_URL", "HASSAGENT_HA_TOKEN",
		"PORT", "HASSAGENT_API_PORT", "HASSAGENT_DATABASE_PATH"} {
		t.Setenv(name, "")
	}
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// writeConfig writes a config with MQTT and InfluxDB disabled.
func writeConfig(t *testing.T, dbPath, haSection string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	content := fmt.Sprintf(`
agent:
  id: test-agent

%s

database:
  path: %q
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stdout

api:
  host: "127.0.0.1"
  port: %d

security:
  api_key: "test-api-key-0123456789"
`, haSection, dbPath, freePort(t))

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv(config.ConfigPathEnv, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails validation with an empty database path.
func TestRun_MissingDatabasePath(t *testing.T) {
	clearAddonEnv(t)
	t.Setenv(config.ConfigPathEnv, writeConfig(t, "", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestRun_StartupAndShutdownWithoutHub starts with every optional
// integration disabled and shuts down on context expiry.
func TestRun_StartupAndShutdownWithoutHub(t *testing.T) {
	clearAddonEnv(t)
	dbPath := filepath.Join(t.TempDir(), "agent.db")
	t.Setenv(config.ConfigPathEnv, writeConfig(t, dbPath, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

// TestRun_UnreachableHub verifies the agent starts while the hub is down.
func TestRun_UnreachableHub(t *testing.T) {
	clearAddonEnv(t)
	ha := fmt.Sprintf(`home_assistant:
  url: "http://127.0.0.1:%d"
  token: "test-token"
  handshake_timeout: 1
  reconnect:
    initial_delay: 1
    max_delay: 1`, freePort(t))
	t.Setenv(config.ConfigPathEnv, writeConfig(t, filepath.Join(t.TempDir(), "agent.db"), ha))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv(config.ConfigPathEnv, "")

	if path := getConfigPath(); path != config.DefaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, config.DefaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv(config.ConfigPathEnv, expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestHassConfig(t *testing.T) {
	got := hassConfig(config.HomeAssistantConfig{
		URL:              "http://ha.local:8123",
		Token:            "tok",
		RequestTimeout:   30,
		WriteTimeout:     10,
		HandshakeTimeout: 5,
		PingInterval:     20,
		PongTimeout:      4,
		EventQueueSize:   64,
		Reconnect:        config.ReconnectConfig{InitialDelay: 2, MaxDelay: 60, MaxAttempts: 7},
	})

	want := hass.Config{
		URL:              "http://ha.local:8123",
		Token:            "tok",
		RequestTimeout:   30 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     20 * time.Second,
		PongTimeout:      4 * time.Second,
		InitialDelay:     2 * time.Second,
		MaxDelay:         60 * time.Second,
		MaxAttempts:      7,
		EventQueueSize:   64,
	}
	if got != want {
		t.Errorf("hassConfig() = %+v, want %+v", got, want)
	}
}

func TestRelayDeps_DisabledSinks(t *testing.T) {
	session, err := hass.New(hass.Config{URL: "http://127.0.0.1:1", Token: "tok"}, nil)
	if err != nil {
		t.Fatalf("hass.New() error = %v", err)
	}
	defer session.Close()

	cfg := &config.Config{HomeAssistant: config.HomeAssistantConfig{SubscribeEvents: []string{"state_changed"}}}
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	deps := relayDeps(cfg, session, nil, nil, nil, log)
	if deps.MQTT != nil {
		t.Error("MQTT sink set for nil client")
	}
	if deps.History != nil {
		t.Error("history sink set for nil client")
	}
	if deps.Topics.Prefix != mqtt.DefaultTopicPrefix {
		t.Errorf("topic prefix = %q, want %q", deps.Topics.Prefix, mqtt.DefaultTopicPrefix)
	}
	if len(deps.EventTypes) != 1 || deps.EventTypes[0] != "state_changed" {
		t.Errorf("event types = %v", deps.EventTypes)
	}
}

// TestStartCommands_Disabled verifies no command handler runs without MQTT
// or with commands switched off.
func TestStartCommands_Disabled(t *testing.T) {
	session, err := hass.New(hass.Config{URL: "http://127.0.0.1:1", Token: "tok"}, nil)
	if err != nil {
		t.Fatalf("hass.New() error = %v", err)
	}
	defer session.Close()
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	for _, enabled := range []bool{false, true} {
		cfg := &config.Config{MQTT: config.MQTTConfig{Commands: enabled}}
		commands, err := startCommands(context.Background(), cfg, session, nil, nil, log)
		if err != nil {
			t.Errorf("startCommands(commands=%v) error = %v", enabled, err)
		}
		if commands != nil {
			t.Errorf("startCommands(commands=%v) = %v, want nil without MQTT", enabled, commands)
		}
	}
}

// TestHealthCheck_OptionalClientsNil verifies only the database is required.
func TestHealthCheck_OptionalClientsNil(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "health.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer db.Close()

	if err := healthCheck(context.Background(), db, nil, nil); err != nil {
		t.Errorf("healthCheck() error = %v", err)
	}
}
