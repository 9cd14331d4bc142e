// Package api implements the HTTP REST API and WebSocket server for the
// NMMiner fleet console.
//
// This package provides:
//   - REST endpoints for listing devices, reading cached configurations, and
//     pushing new ones over UDP
//   - Command endpoints that talk to a device over TCP or the serial link
//   - WebSocket hub broadcasting registry changes and push outcomes
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server sits between the operator UI and the in-memory device registry.
// Device state arrives from the discovery listeners, never from the API;
// the API reads the registry, drives pushes and commands, and relays registry
// observer events to WebSocket clients.
//
// # Graceful Degradation
//
// MQTT, the push log, and the serial link are optional. Endpoints that
// depend on a missing piece answer 503; everything else keeps working.
package api
