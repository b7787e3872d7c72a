// Package realtime contains Relay's presence registry, connection event router and
// WebSocket gateway.
//
// Ownership:
//   - Registry owns the user id -> connection map.
//   - Fanout owns the set of live connections and the two push primitives.
//   - Router is the only entry point other packages use to reach a connection.
package realtime
