// Home Assistant Agent
//
// This is the main entry point for the agent. It holds one authenticated
// websocket session to Home Assistant and exposes it through:
//   - A REST API for entity, helper and automation management
//   - An agent event stream for relayed hub events
//   - MQTT topics carrying hub events and retained entity state
//   - InfluxDB history for numeric entity states
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/hass-agent/internal/api"
	"github.com/nerrad567/hass-agent/internal/audit"
	"github.com/nerrad567/hass-agent/internal/hass"
	"github.com/nerrad567/hass-agent/internal/infrastructure/config"
	"github.com/nerrad567/hass-agent/internal/infrastructure/database"
	"github.com/nerrad567/hass-agent/internal/infrastructure/influxdb"
	"github.com/nerrad567/hass-agent/internal/infrastructure/logging"
	"github.com/nerrad567/hass-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/hass-agent/internal/relay"
	"github.com/nerrad567/hass-agent/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// startupReadyTimeout bounds the wait for the first hub connection. The
// agent keeps running after it expires; the session retries in the
// background.
const startupReadyTimeout = 15 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Home Assistant agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database and audit log
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	auditRepo := audit.NewSQLiteRepository(db.DB)

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", logging.RedactURL(cfg.InfluxDB.URL),
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	streamHub := api.NewHub(cfg.WebSocket, log)
	go streamHub.Run(ctx)

	// Home Assistant session (optional; the API answers 503 without it)
	var session *hass.Session
	if cfg.HomeAssistant.Enabled() {
		session, err = hass.New(hassConfig(cfg.HomeAssistant), registry)
		if err != nil {
			return fmt.Errorf("creating Home Assistant session: %w", err)
		}
		defer func() {
			log.Info("closing Home Assistant session")
			if closeErr := session.Close(); closeErr != nil {
				log.Error("error closing Home Assistant session", "error", closeErr)
			}
		}()
		session.SetLogger(log)
		log.Info("Home Assistant session configured",
			"url", logging.RedactURL(cfg.HomeAssistant.URL),
			"token", logging.RedactToken(cfg.HomeAssistant.Token),
			"subscribe_events", cfg.HomeAssistant.SubscribeEvents,
		)

		states := make(chan hass.State, 16)
		session.SetOnStateChange(func(st hass.State) {
			select {
			case states <- st:
			default:
				log.Warn("dropping session state notification", "state", st.String())
			}
		})
		go publishSessionStates(ctx, states, mqttClient, influxClient, streamHub, log)

		if err := session.Start(); err != nil {
			return fmt.Errorf("starting Home Assistant session: %w", err)
		}
		waitForHub(ctx, session, log)

		r, err := relay.New(relayDeps(cfg, session, mqttClient, influxClient, streamHub, log))
		if err != nil {
			return fmt.Errorf("creating event relay: %w", err)
		}
		relayCtx, stopRelay := context.WithCancel(ctx)
		relayDone := make(chan struct{})
		go func() {
			defer close(relayDone)
			r.Run(relayCtx)
		}()
		defer func() {
			stopRelay()
			<-relayDone
			st := r.Stats()
			log.Info("event relay summary",
				"events", st.Events,
				"mqtt_published", st.MQTTPublished,
				"mqtt_failed", st.MQTTFailed,
				"history_written", st.HistoryWritten,
			)
		}()

		commands, err := startCommands(ctx, cfg, session, mqttClient, auditRepo, log)
		if err != nil {
			return err
		}
		if commands != nil {
			defer commands.Stop()
		}
	} else {
		log.Warn("home_assistant.token not set; hub routes will answer 503")
	}

	apiDeps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    log,
		AuditRepo: auditRepo,
		Gatherer:  registry,
		Hub:       streamHub,
		Version:   version,
	}
	if session != nil {
		apiDeps.Hass = session
	}
	apiServer, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal", "api", apiServer.Addr())

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, relay, hub session, InfluxDB, MQTT, database.

	return nil
}

// getConfigPath returns the configuration file path.
// Uses HASSAGENT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv(config.ConfigPathEnv); path != "" {
		return path
	}
	return config.DefaultConfigPath
}

// hassConfig converts the file configuration (seconds) to session settings.
func hassConfig(c config.HomeAssistantConfig) hass.Config {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return hass.Config{
		URL:              c.URL,
		Token:            c.Token,
		RequestTimeout:   sec(c.RequestTimeout),
		WriteTimeout:     sec(c.WriteTimeout),
		HandshakeTimeout: sec(c.HandshakeTimeout),
		PingInterval:     sec(c.PingInterval),
		PongTimeout:      sec(c.PongTimeout),
		InitialDelay:     sec(c.Reconnect.InitialDelay),
		MaxDelay:         sec(c.Reconnect.MaxDelay),
		MaxAttempts:      c.Reconnect.MaxAttempts,
		EventQueueSize:   c.EventQueueSize,
	}
}

// relayDeps wires the optional sinks. Nil clients stay nil interfaces so the
// relay skips them.
func relayDeps(cfg *config.Config, session *hass.Session, mqttClient *mqtt.Client,
	influxClient *influxdb.Client, streamHub *api.Hub, log *logging.Logger) relay.Deps {
	deps := relay.Deps{
		Source:      relay.FromSession(session),
		EventTypes:  cfg.HomeAssistant.SubscribeEvents,
		Topics:      mqtt.Topics{Prefix: mqtt.DefaultTopicPrefix},
		Broadcaster: streamHub,
		Logger:      log,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
		deps.Topics = mqttClient.Topics()
	}
	if influxClient != nil {
		deps.History = influxClient
	}
	return deps
}

// waitForHub blocks until the first hub connection is ready or
// startupReadyTimeout passes. Failure is logged, not fatal.
func waitForHub(ctx context.Context, session *hass.Session, log *logging.Logger) {
	waitCtx, cancel := context.WithTimeout(ctx, startupReadyTimeout)
	defer cancel()

	err := session.WaitReady(waitCtx)
	switch {
	case err == nil:
		log.Info("Home Assistant session ready", "ha_version", session.Stats().HAVersion)
	case errors.Is(err, hass.ErrAuthenticationFailed):
		log.Error("Home Assistant rejected the access token; hub routes will answer 503", "error", err)
	default:
		log.Warn("Home Assistant not ready yet, retrying in background", "error", err)
	}
}

// sessionStatus is the retained MQTT payload describing the hub session.
type sessionStatus struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// publishSessionStates fans session state transitions out to MQTT,
// InfluxDB and the agent event stream until ctx is cancelled.
// startCommands subscribes to MQTT service-call commands when enabled.
// Returns nil when MQTT or commands are disabled.
func startCommands(ctx context.Context, cfg *config.Config, caller relay.ServiceCaller,
	mqttClient *mqtt.Client, auditRepo audit.Repository, log *logging.Logger) (*relay.Commands, error) {
	if mqttClient == nil || !cfg.MQTT.Commands {
		return nil, nil
	}

	commands, err := relay.NewCommands(relay.CommandDeps{
		Hass:    caller,
		MQTT:    mqttClient,
		Topics:  mqttClient.Topics(),
		Audit:   auditRepo,
		Logger:  log,
		Timeout: time.Duration(cfg.HomeAssistant.RequestTimeout) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("creating command handler: %w", err)
	}
	if err := commands.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting command handler: %w", err)
	}
	return commands, nil
}

func publishSessionStates(ctx context.Context, states <-chan hass.State, mqttClient *mqtt.Client,
	influxClient *influxdb.Client, streamHub *api.Hub, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			status := sessionStatus{State: st.String(), Timestamp: time.Now().UTC()}
			log.Info("Home Assistant session state changed", "state", status.State)

			if mqttClient != nil {
				if err := mqttClient.PublishJSON(mqttClient.Topics().SessionStatus(), status, true); err != nil {
					log.Warn("publishing session state failed", "error", err)
				}
			}
			if influxClient != nil {
				influxClient.WriteSessionState(status.State, status.Timestamp)
			}
			streamHub.Broadcast(api.ChannelSession, status)
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
