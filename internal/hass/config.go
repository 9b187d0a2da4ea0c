package hass

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Default timeouts and intervals for the hub connection.
const (
	// defaultRequestTimeout bounds how long a caller waits for a result,
	// including time spent queued through a reconnect.
	defaultRequestTimeout = 30 * time.Second

	// defaultWriteTimeout is the deadline for writing one frame.
	defaultWriteTimeout = 10 * time.Second

	// defaultHandshakeTimeout covers dial plus the auth exchange.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultPingInterval is how often a heartbeat ping is sent while Ready.
	defaultPingInterval = 30 * time.Second

	// defaultPongTimeout is the grace period after PingInterval before a
	// silent connection is declared dead.
	defaultPongTimeout = 10 * time.Second

	// defaultInitialDelay is the first reconnect backoff.
	defaultInitialDelay = 1 * time.Second

	// defaultMaxDelay caps the reconnect backoff.
	defaultMaxDelay = 30 * time.Second

	// defaultMaxMessageSize bounds one inbound websocket message.
	// get_states on a large installation runs to several megabytes.
	defaultMaxMessageSize = 32 << 20
)

// Config holds the session configuration.
type Config struct {
	// URL is the Home Assistant base URL, e.g. "http://homeassistant.local:8123"
	// or "http://supervisor/core". A ws:// or wss:// URL is used unchanged.
	URL string

	// Token is the long-lived access token. Empty disables the session.
	Token string

	// RequestTimeout is the default maximum wait for Send.
	// Default: 30 seconds.
	RequestTimeout time.Duration

	// WriteTimeout is the deadline for writing one frame.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HandshakeTimeout covers dialling and authentication.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// PingInterval is the heartbeat period. Default: 30 seconds.
	PingInterval time.Duration

	// PongTimeout is added to PingInterval to form the idle read deadline.
	// Default: 10 seconds.
	PongTimeout time.Duration

	// InitialDelay and MaxDelay bound the exponential reconnect backoff.
	// Defaults: 1 second and 30 seconds.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxAttempts is the number of consecutive failed connection attempts
	// after which pending requests fail with ErrUnavailable. Attempts
	// continue afterwards at MaxDelay. Zero means never give up.
	MaxAttempts int

	// EventQueueSize is the per-listener event buffer. Default: 256.
	EventQueueSize int

	// MaxMessageSize limits one inbound message in bytes. Default: 32 MiB.
	MaxMessageSize int64
}

// withDefaults returns a copy of cfg with zero values replaced by defaults.
func (cfg Config) withDefaults() Config {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueueSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	return cfg
}

// WebsocketURL derives the websocket endpoint from a Home Assistant base URL.
//
//	http://host:8123        -> ws://host:8123/api/websocket
//	https://host            -> wss://host/api/websocket
//	http://supervisor/core  -> ws://supervisor/core/websocket
//	ws://host/custom        -> ws://host/custom (unchanged)
func WebsocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parsing hub URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("hub URL %q has no host", base)
	}

	switch u.Scheme {
	case "ws", "wss":
		return u.String(), nil
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("hub URL %q: unsupported scheme %q", base, u.Scheme)
	}

	path := strings.TrimRight(u.Path, "/")
	switch {
	case strings.HasSuffix(path, "/api/websocket"), strings.HasSuffix(path, "/websocket"):
		// already points at the endpoint
	case strings.HasSuffix(path, "/core"):
		path += "/websocket"
	case strings.HasSuffix(path, "/api"):
		path += "/websocket"
	default:
		path += "/api/websocket"
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
