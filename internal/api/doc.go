// Package api implements the agent's HTTP API and event stream.
//
// This package provides:
//   - Entity, helper and automation routes backed by the Home Assistant session
//   - An audit trail of every mutating call, written asynchronously to SQLite
//   - A websocket event stream that fans relayed hub events out to clients
//   - Bearer API-key authentication on every /api route except /api/health
//   - Prometheus metrics on /metrics
//
// # Graceful Degradation
//
// The server runs without a hub session. Hub-backed routes then answer
// 503, while health, audit and the event stream keep working. Session
// errors map to HTTP statuses: unavailable 503, timeout 504, hub-reported
// failure 502, invalid arguments 400.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
