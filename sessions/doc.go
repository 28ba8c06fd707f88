// Package sessions owns the registry of live MCP sessions. A session pairs
// one protocol server instance with one transport and is identified by an
// opaque id handed to the client on initialize.
//
// Lifecycle
//
//	NONE   -> ACTIVE : an initialize request arriving without a session id
//	ACTIVE -> CLOSED : the session's Transport closes (DELETE, idle timeout,
//	                   failed initialize, shutdown)
//
// CLOSED is terminal. A closed id is indistinguishable from one that never
// existed and is never re-created implicitly.
//
// # Routing
//
// Manager.Route implements the admission rules for an inbound message:
//   - no id, initialize request : a new session is created
//   - no id, anything else      : ErrBadSession
//   - id present and registered : the existing session
//   - id present, unregistered  : ErrSessionNotFound
//
// A server instance is never shared between sessions. The registry is guarded
// by a single mutex and every read-modify-write happens under one acquisition.
package sessions
