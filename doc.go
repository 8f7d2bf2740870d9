// Package mcp implements educational reference transports for the Model Context
// Protocol (MCP), focused on session lifecycle management: a stateless HTTP
// request layer bound to stateful, long-lived logical sessions, with replay of
// missed notification events after a reconnect.
//
// Two server variants share one core (session registry, transport binding, and
// per-session event log): SSEServer exposes the legacy two-endpoint pattern,
// where a GET stream performs the handshake and a separate POST endpoint carries
// requests, and StreamableServer exposes the modern single-endpoint pattern
// multiplexed by HTTP method. Domain logic is pluggable through the ToolServer
// interface, configurable as one shared instance across all sessions or a fresh
// instance per session.
package mcp
