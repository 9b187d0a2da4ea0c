package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/hass-agent/internal/audit"
	"github.com/nerrad567/hass-agent/internal/infrastructure/logging"
	"github.com/nerrad567/hass-agent/internal/infrastructure/mqtt"
)

// CommandCallService is the command topic name for hub service calls.
const CommandCallService = "call_service"

// commandActor is recorded on audit entries written for MQTT commands.
const commandActor = "mqtt"

// defaultCommandTimeout bounds one service call made for a command.
const defaultCommandTimeout = 30 * time.Second

// ServiceCaller invokes hub services.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error)
}

// CommandBroker is the MQTT surface commands need: subscribe for requests,
// publish results.
type CommandBroker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	PublishJSON(topic string, v any, retained bool) error
}

// AuditWriter records executed commands.
type AuditWriter interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// CommandDeps configures a Commands handler.
type CommandDeps struct {
	Hass    ServiceCaller // required
	MQTT    CommandBroker // required
	Topics  mqtt.Topics
	Audit   AuditWriter // optional
	Logger  *logging.Logger
	Timeout time.Duration // per call, default 30s
}

// CallServiceCommand is the payload accepted on the call_service command topic.
type CallServiceCommand struct {
	ID          string         `json:"id,omitempty"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

// CommandResult is published on the command's result topic once the call
// completes or is rejected.
type CommandResult struct {
	ID        string          `json:"id,omitempty"`
	Domain    string          `json:"domain,omitempty"`
	Service   string          `json:"service,omitempty"`
	Outcome   string          `json:"outcome"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Commands executes hub service calls requested over MQTT.
//
// Every call that reaches the hub is written to the audit log with actor
// "mqtt", and its outcome is published on the result topic.
type Commands struct {
	deps  CommandDeps
	topic string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCommands validates deps and returns a handler ready to Start.
func NewCommands(deps CommandDeps) (*Commands, error) {
	if deps.Hass == nil {
		return nil, errors.New("relay: command service caller is required")
	}
	if deps.MQTT == nil {
		return nil, errors.New("relay: command broker is required")
	}
	if deps.Logger == nil {
		return nil, errors.New("relay: logger is required")
	}
	if deps.Timeout <= 0 {
		deps.Timeout = defaultCommandTimeout
	}
	return &Commands{deps: deps, topic: deps.Topics.Command(CommandCallService)}, nil
}

// Start subscribes to the call_service command topic. Calls in progress are
// cancelled when ctx ends or Stop is called.
func (c *Commands) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	if err := c.deps.MQTT.Subscribe(c.topic, 1, c.handleCallService); err != nil {
		c.cancel()
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	c.deps.Logger.Info("subscribed to commands", "topic", c.topic)
	return nil
}

// Stop unsubscribes and cancels calls in progress.
func (c *Commands) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	if err := c.deps.MQTT.Unsubscribe(c.topic); err != nil {
		c.deps.Logger.Debug("command unsubscribe failed", "topic", c.topic, "error", err)
	}
}

func (c *Commands) handleCallService(_ string, payload []byte) error {
	var cmd CallServiceCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.publishResult(CommandResult{Outcome: audit.OutcomeError, Error: "invalid JSON payload"})
		return fmt.Errorf("parse call_service command: %w", err)
	}
	if cmd.Domain == "" || cmd.Service == "" {
		c.publishResult(CommandResult{ID: cmd.ID, Outcome: audit.OutcomeError, Error: "domain and service are required"})
		return errors.New("call_service command without domain or service")
	}

	c.deps.Logger.Info("received command",
		"command_id", cmd.ID,
		"domain", cmd.Domain,
		"service", cmd.Service)

	ctx, cancel := context.WithTimeout(c.ctx, c.deps.Timeout)
	defer cancel()

	start := time.Now()
	result, err := c.deps.Hass.CallService(ctx, cmd.Domain, cmd.Service, cmd.ServiceData)
	c.audit(cmd, time.Since(start), err)

	res := CommandResult{ID: cmd.ID, Domain: cmd.Domain, Service: cmd.Service, Outcome: audit.OutcomeOK, Result: result}
	if err != nil {
		res.Outcome = audit.OutcomeError
		res.Error = err.Error()
		res.Result = nil
	}
	c.publishResult(res)
	if err != nil {
		return fmt.Errorf("call_service %s.%s: %w", cmd.Domain, cmd.Service, err)
	}
	return nil
}

func (c *Commands) audit(cmd CallServiceCommand, took time.Duration, callErr error) {
	if c.deps.Audit == nil {
		return
	}

	entry := audit.Entry{
		Action:   audit.ActionCallService,
		Target:   cmd.Domain + "." + cmd.Service,
		Domain:   cmd.Domain,
		Actor:    commandActor,
		Outcome:  audit.OutcomeOK,
		Duration: took,
		Details:  map[string]any{"service_data": cmd.ServiceData},
	}
	if cmd.ID != "" {
		entry.Details["command_id"] = cmd.ID
	}
	if callErr != nil {
		entry.Outcome = audit.OutcomeError
		entry.Error = callErr.Error()
	}

	// The write outlives a cancelled command context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Audit.Create(ctx, &entry); err != nil {
		c.deps.Logger.Error("audit log write failed", "action", entry.Action, "target", entry.Target, "error", err)
	}
}

func (c *Commands) publishResult(res CommandResult) {
	res.Timestamp = time.Now().UTC()
	topic := c.deps.Topics.CommandResult(CommandCallService)
	if err := c.deps.MQTT.PublishJSON(topic, res, false); err != nil {
		c.deps.Logger.Warn("failed to publish command result", "topic", topic, "error", err)
	}
}
