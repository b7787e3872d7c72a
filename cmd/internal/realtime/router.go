package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"relay/cmd/internal/metrics"
	v1 "relay/shared/contracts/realtime/v1"
)

// ProtocolError is a per-envelope rejection reported back to the client as an error event.
// It never closes the connection.
type ProtocolError struct {
	Code string
	Msg  string
}

func (e *ProtocolError) Error() string { return e.Code + ": " + e.Msg }

func protoErr(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Router demultiplexes inbound events to the Registry and is the only path that pushes
// to a specific connection. Delivery and receipt components depend on it through
// Resolve and EmitToConnection.
type Router struct {
	log     *slog.Logger
	reg     *Registry
	fan     *Fanout
	metrics *metrics.Metrics
}

// NewRouter wires a Router over an existing Registry and Fanout.
func NewRouter(log *slog.Logger, reg *Registry, fan *Fanout, m *metrics.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	if fan == nil {
		fan = NewFanout(log, m)
	}
	if reg == nil {
		reg = NewRegistry(log, fan, WithRegistryMetrics(m))
	}
	return &Router{log: log, reg: reg, fan: fan, metrics: m}
}

// Registry returns the presence registry the router mutates.
func (r *Router) Registry() *Registry { return r.reg }

// Connect registers a freshly accepted connection for broadcasts.
func (r *Router) Connect(c *Client) { r.fan.Add(c) }

// Disconnect treats a closed connection as goingOffline for its identified user, but only
// when this connection still owns the registry entry.
func (r *Router) Disconnect(ctx context.Context, c *Client) {
	if c == nil {
		return
	}
	r.fan.Remove(c)
	if uid := c.UserID(); uid != "" {
		r.reg.SetOffline(ctx, uid, c)
	}
}

// Close closes every connection and clears the registry. Used at shutdown.
func (r *Router) Close() {
	r.fan.Close()
	r.reg.Close()
}

// Resolve returns the reachable connection for userID.
func (r *Router) Resolve(userID string) (*Client, bool) { return r.reg.Resolve(userID) }

// EmitToConnection pushes one event to one connection without blocking.
func (r *Router) EmitToConnection(c *Client, event string, payload any) bool {
	return r.fan.EmitToConnection(c, event, payload)
}

// BroadcastToAll pushes one event to every live connection.
func (r *Router) BroadcastToAll(event string, payload any) int {
	return r.fan.BroadcastToAll(event, payload)
}

// EmitToUser resolves userID and pushes to its connection. Unreachable users report false.
func (r *Router) EmitToUser(userID, event string, payload any) bool {
	c, ok := r.reg.Resolve(userID)
	if !ok {
		return false
	}
	return r.fan.EmitToConnection(c, event, payload)
}

// Dispatch routes one validated inbound envelope from c.
func (r *Router) Dispatch(ctx context.Context, c *Client, env v1.Envelope) error {
	r.metrics.Inbound(env.Type)

	switch env.Type {
	case v1.TypeIdentify:
		return r.onIdentify(ctx, c, env)
	case v1.TypeGoingOffline:
		return r.onGoingOffline(ctx, c, env)
	case v1.TypeTyping:
		return r.onTyping(c, env)
	case v1.TypeSendNotification:
		return r.onSendNotification(c, env)
	default:
		return protoErr("unsupported", "unsupported type: %s", env.Type)
	}
}

func (r *Router) onIdentify(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.IdentifyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return protoErr("bad_payload", "invalid payload: %v", err)
	}
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return protoErr("bad_payload", "missing userId")
	}
	if err := r.checkClaim(c, userID); err != nil {
		return err
	}

	// One identity per connection: switching users releases the previous one first.
	if prev := c.UserID(); prev != "" && prev != userID {
		r.reg.SetOffline(ctx, prev, c)
	}
	c.setUserID(userID)
	r.reg.SetOnline(ctx, userID, c)
	return nil
}

func (r *Router) onGoingOffline(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.IdentifyPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return protoErr("bad_payload", "invalid payload: %v", err)
		}
	}
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		userID = c.UserID()
	}
	if userID == "" {
		return protoErr("not_identified", "identify first")
	}
	if err := r.checkClaim(c, userID); err != nil {
		return err
	}

	c.clearUserID(userID)
	r.reg.SetOffline(ctx, userID, nil)
	return nil
}

func (r *Router) onTyping(c *Client, env v1.Envelope) error {
	from := c.UserID()
	if from == "" {
		return protoErr("not_identified", "identify first")
	}
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return protoErr("bad_payload", "invalid payload: %v", err)
	}
	to := strings.TrimSpace(p.RecipientID)
	if to == "" {
		return protoErr("bad_payload", "missing recipientId")
	}

	// Fire-and-forget: unreachable recipients are dropped silently.
	r.EmitToUser(to, v1.TypeTypingChanged, v1.TypingChangedPayload{UserID: from, IsTyping: p.IsTyping})
	return nil
}

func (r *Router) onSendNotification(c *Client, env v1.Envelope) error {
	from := c.UserID()
	if from == "" {
		return protoErr("not_identified", "identify first")
	}
	var p v1.NotificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return protoErr("bad_payload", "invalid payload: %v", err)
	}
	p.RecipientID = strings.TrimSpace(p.RecipientID)
	if p.RecipientID == "" {
		return protoErr("bad_payload", "missing recipientId")
	}
	if p.Notification.RecipientID == "" {
		p.Notification.RecipientID = p.RecipientID
	}
	// The actor is always the sending connection's user.
	p.Notification.ActorID = from

	r.EmitToUser(p.RecipientID, v1.TypeReceiveNotification, p)
	return nil
}

// checkClaim rejects ids that differ from the authenticated subject.
func (r *Router) checkClaim(c *Client, userID string) error {
	sub := c.Subject()
	if sub == "" || sub == userID {
		return nil
	}
	r.log.Warn("ws.identity.mismatch", "session_id", c.SessionID, "claimed", userID, "subject", sub)
	return protoErr("identity_mismatch", "userId does not match token subject")
}
