package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"relay/cmd/internal/metrics"
	v1 "relay/shared/contracts/realtime/v1"
)

// Fanout tracks live connections and owns the two outbound primitives.
// No other code writes to a Client's queue.
type Fanout struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[*Client]struct{}
}

// NewFanout constructs an empty Fanout.
func NewFanout(log *slog.Logger, m *metrics.Metrics) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{
		log:     log,
		metrics: m,
		conns:   make(map[*Client]struct{}),
	}
}

// Add registers a live connection.
func (f *Fanout) Add(c *Client) {
	if c == nil {
		return
	}
	f.mu.Lock()
	_, exists := f.conns[c]
	f.conns[c] = struct{}{}
	f.mu.Unlock()

	if !exists {
		f.metrics.ConnOpened()
	}
}

// Remove unregisters a connection (idempotent).
func (f *Fanout) Remove(c *Client) {
	if c == nil {
		return
	}
	f.mu.Lock()
	_, exists := f.conns[c]
	delete(f.conns, c)
	f.mu.Unlock()

	if exists {
		f.metrics.ConnClosed()
	}
}

// Len returns the number of live connections.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.conns)
}

// EmitToConnection pushes one event to one connection. It never blocks and reports
// whether the event was queued. A false result is a normal outcome (stale handle,
// closing connection, full queue) and is not an error.
func (f *Fanout) EmitToConnection(c *Client, event string, payload any) bool {
	if c == nil {
		return false
	}
	env, ok := f.envelope(event, payload)
	if !ok {
		return false
	}

	delivered := c.trySend(env)
	f.metrics.Push(event, delivered)
	if !delivered {
		f.log.Debug("delivery.push.drop", "event", event, "session_id", c.SessionID, "user_id", c.UserID())
	}
	return delivered
}

// BroadcastToAll pushes one event to every live connection and returns how many accepted it.
func (f *Fanout) BroadcastToAll(event string, payload any) int {
	env, ok := f.envelope(event, payload)
	if !ok {
		return 0
	}

	f.mu.RLock()
	targets := make([]*Client, 0, len(f.conns))
	for c := range f.conns {
		targets = append(targets, c)
	}
	f.mu.RUnlock()

	n := 0
	for _, c := range targets {
		delivered := c.trySend(env)
		f.metrics.Push(event, delivered)
		if delivered {
			n++
		}
	}
	return n
}

// Close marks every live connection as closing and forgets it.
func (f *Fanout) Close() {
	f.mu.Lock()
	targets := make([]*Client, 0, len(f.conns))
	for c := range f.conns {
		targets = append(targets, c)
	}
	f.conns = make(map[*Client]struct{})
	f.mu.Unlock()

	for _, c := range targets {
		c.Close()
		f.metrics.ConnClosed()
	}
}

func (f *Fanout) envelope(event string, payload any) (v1.Envelope, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		f.log.Error("delivery.encode.fail", "event", event, "err", err)
		return v1.Envelope{}, false
	}
	return newEnvelope(event, raw, time.Now().UTC()), true
}
