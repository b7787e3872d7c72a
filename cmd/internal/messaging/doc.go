// Package messaging implements Relay's message delivery pipeline and read receipts.
//
// Service orchestrates persistence (MessageStore, NotificationStore), recipient resolution
// and best-effort push through a Delivery (the realtime Router). Persistence is the
// guarantee callers rely on; push and notification fan-out never fail a request.
//
// Store implementations:
//   - MemoryStore: dev/tests
//   - PostgresStore: pgx, schema-qualified tables
//   - MongoStore: mongo-driver collections
package messaging
