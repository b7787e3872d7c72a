package realtime

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/metrics"
	v1 "relay/shared/contracts/realtime/v1"
)

const presencePersistTimeout = 3 * time.Second

// PresenceMirror publishes presence transitions to an external store so other
// processes can observe them. Routing never reads from it.
type PresenceMirror interface {
	Online(ctx context.Context, userID string, at time.Time) error
	Offline(ctx context.Context, userID string, at time.Time) error
}

type presenceEntry struct {
	client      *Client
	connectedAt time.Time
}

// Registry is the single authoritative map from user id to reachable connection.
//
// The raw map is never exposed. Transitions for one user are serialized together with
// their side effects (directory persistence, mirror, broadcasts), so the last broadcast and
// the persisted state always match the map. Directory and mirror failures are logged and
// swallowed.
type Registry struct {
	log     *slog.Logger
	fan     *Fanout
	dir     identity.Directory
	mirror  PresenceMirror
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]presenceEntry

	transitions userLocks
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDirectory persists isOnline/lastSeen through dir.
func WithDirectory(dir identity.Directory) RegistryOption {
	return func(r *Registry) { r.dir = dir }
}

// WithPresenceMirror mirrors transitions into m.
func WithPresenceMirror(m PresenceMirror) RegistryOption {
	return func(r *Registry) { r.mirror = m }
}

// WithRegistryMetrics records the online user gauge.
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry constructs an empty Registry that emits through fan.
func NewRegistry(log *slog.Logger, fan *Fanout, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if fan == nil {
		fan = NewFanout(log, nil)
	}
	r := &Registry{
		log:     log,
		fan:     fan,
		now:     time.Now,
		entries: make(map[string]presenceEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// SetOnline records c as the reachable connection for userID, replacing any previous
// entry (last identify wins). Every call broadcasts presenceChanged, and the announcing
// connection additionally receives the full online snapshot.
func (r *Registry) SetOnline(ctx context.Context, userID string, c *Client) {
	userID = strings.TrimSpace(userID)
	if userID == "" || c == nil {
		return
	}
	unlock := r.transitions.lock(userID)
	defer unlock()

	now := r.now().UTC()

	r.mu.Lock()
	prev, replaced := r.entries[userID]
	r.entries[userID] = presenceEntry{client: c, connectedAt: now}
	online := r.sortedLocked()
	r.mu.Unlock()

	r.metrics.SetOnlineUsers(len(online))
	if replaced && prev.client != c {
		r.log.Info("presence.replaced", "user_id", userID, "old_session", prev.client.SessionID, "new_session", c.SessionID)
	}
	r.log.Info("presence.online", "user_id", userID, "session_id", c.SessionID)

	r.persist(ctx, userID, true, now)

	r.fan.BroadcastToAll(v1.TypePresenceChanged, v1.PresenceChangedPayload{
		UserID: userID,
		Status: v1.StatusOnline,
	})
	r.fan.EmitToConnection(c, v1.TypeOnlineUsersSnapshot, v1.OnlineUsersSnapshotPayload{UserIDs: online})
}

// SetOffline removes the entry for userID. When owner is non-nil the entry is removed only
// if owner is still the registered connection (disconnect path); a nil owner removes
// unconditionally (explicit goingOffline). It reports whether an entry was removed.
func (r *Registry) SetOffline(ctx context.Context, userID string, owner *Client) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}

	unlock := r.transitions.lock(userID)
	defer unlock()

	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok || (owner != nil && e.client != owner) {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, userID)
	n := len(r.entries)
	r.mu.Unlock()

	now := r.now().UTC()
	r.metrics.SetOnlineUsers(n)
	r.log.Info("presence.offline", "user_id", userID, "session_id", e.client.SessionID, "online_for", now.Sub(e.connectedAt).String())

	r.persist(ctx, userID, false, now)

	r.fan.BroadcastToAll(v1.TypePresenceChanged, v1.PresenceChangedPayload{
		UserID:   userID,
		Status:   v1.StatusOffline,
		LastSeen: &now,
	})
	return true
}

// Resolve returns the reachable connection for userID. Pure read.
func (r *Registry) Resolve(userID string) (*Client, bool) {
	r.mu.RLock()
	e, ok := r.entries[strings.TrimSpace(userID)]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.client, true
}

// OnlineUsers returns the sorted ids of every online user.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// Close drops every entry without broadcasting (process shutdown).
func (r *Registry) Close() {
	r.mu.Lock()
	r.entries = make(map[string]presenceEntry)
	r.mu.Unlock()
	r.metrics.SetOnlineUsers(0)
}

func (r *Registry) sortedLocked() []string {
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) persist(ctx context.Context, userID string, online bool, at time.Time) {
	if r.dir == nil && r.mirror == nil {
		return
	}
	// Presence persistence outlives the triggering connection (disconnect cancels its ctx).
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presencePersistTimeout)
	defer cancel()

	if r.dir != nil {
		if err := r.dir.SetPresence(ctx, userID, online, at); err != nil {
			r.metrics.SideEffectFailed("directory")
			r.log.Warn("presence.persist.fail", "user_id", userID, "online", online, "err", err)
		}
	}
	if r.mirror != nil {
		var err error
		if online {
			err = r.mirror.Online(ctx, userID, at)
		} else {
			err = r.mirror.Offline(ctx, userID, at)
		}
		if err != nil {
			r.metrics.SideEffectFailed("presence_mirror")
			r.log.Warn("presence.mirror.fail", "user_id", userID, "online", online, "err", err)
		}
	}
}

// userLocks hands out one mutex per user id, dropped once no transition holds it.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*userLock)
	}
	ul := l.m[userID]
	if ul == nil {
		ul = &userLock{}
		l.m[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()

		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, userID)
		}
		l.mu.Unlock()
	}
}
