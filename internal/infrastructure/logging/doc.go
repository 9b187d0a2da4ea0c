// Package logging provides structured logging for the agent.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Helpers for redacting hub tokens and credentialed URLs
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// LOG_LEVEL overrides the level.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("connecting", "url", logging.RedactURL(cfg.HomeAssistant.URL),
//	    "token", logging.RedactToken(cfg.HomeAssistant.Token))
//
// Never log hub tokens or API keys in full.
package logging
