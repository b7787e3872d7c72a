package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relay/cmd/identity"
	v1 "relay/shared/contracts/realtime/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain returns every queued envelope without blocking.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []v1.Envelope, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

func newTestRegistry(opts ...RegistryOption) (*Registry, *Fanout) {
	log := testLogger()
	fan := NewFanout(log, nil)
	return NewRegistry(log, fan, opts...), fan
}

func TestRegistry_PresenceRoundTrip(t *testing.T) {
	t.Parallel()

	reg, fan := newTestRegistry()
	c := NewClient("s1", "", 16)
	fan.Add(c)

	ctx := context.Background()
	reg.SetOnline(ctx, "alice", c)

	got, ok := reg.Resolve("alice")
	if !ok || got != c {
		t.Fatalf("Resolve after SetOnline: got=%v ok=%v", got, ok)
	}

	if !reg.SetOffline(ctx, "alice", nil) {
		t.Fatalf("SetOffline: expected removal")
	}
	if _, ok := reg.Resolve("alice"); ok {
		t.Fatalf("Resolve after SetOffline: expected none")
	}
	// Redundant calls are safe.
	if reg.SetOffline(ctx, "alice", nil) {
		t.Fatalf("SetOffline twice: expected no-op")
	}
}

func TestRegistry_LastIdentifyWins(t *testing.T) {
	t.Parallel()

	reg, fan := newTestRegistry()
	tab1 := NewClient("tab1", "", 16)
	tab2 := NewClient("tab2", "", 16)
	fan.Add(tab1)
	fan.Add(tab2)

	ctx := context.Background()
	reg.SetOnline(ctx, "u", tab1)
	reg.SetOnline(ctx, "u", tab2)

	if got, _ := reg.Resolve("u"); got != tab2 {
		t.Fatalf("expected the second tab to own the entry")
	}

	// Disconnect of the superseded tab does not take the user offline.
	if reg.SetOffline(ctx, "u", tab1) {
		t.Fatalf("non-owner disconnect must not remove the entry")
	}
	if got, _ := reg.Resolve("u"); got != tab2 {
		t.Fatalf("entry changed after non-owner disconnect")
	}

	// Each SetOnline broadcasts, so tab1 saw two online events.
	if n := len(ofType(drain(tab1), v1.TypePresenceChanged)); n != 2 {
		t.Fatalf("tab1 presenceChanged count=%d want 2", n)
	}
}

func TestRegistry_BroadcastAndSnapshot(t *testing.T) {
	t.Parallel()

	reg, fan := newTestRegistry()
	a := NewClient("sa", "", 16)
	b := NewClient("sb", "", 16)
	fan.Add(a)
	fan.Add(b)

	ctx := context.Background()
	reg.SetOnline(ctx, "alice", a)
	drain(a)
	drain(b)

	reg.SetOnline(ctx, "bob", b)

	aEnvs := drain(a)
	if snaps := ofType(aEnvs, v1.TypeOnlineUsersSnapshot); len(snaps) != 0 {
		t.Fatalf("snapshot must go only to the announcing connection")
	}
	changes := ofType(aEnvs, v1.TypePresenceChanged)
	if len(changes) != 1 {
		t.Fatalf("alice presenceChanged count=%d want 1", len(changes))
	}
	p := decode[v1.PresenceChangedPayload](t, changes[0])
	if p.UserID != "bob" || p.Status != v1.StatusOnline {
		t.Fatalf("unexpected presence payload: %+v", p)
	}

	snaps := ofType(drain(b), v1.TypeOnlineUsersSnapshot)
	if len(snaps) != 1 {
		t.Fatalf("bob snapshot count=%d want 1", len(snaps))
	}
	snap := decode[v1.OnlineUsersSnapshotPayload](t, snaps[0])
	if len(snap.UserIDs) != 2 || snap.UserIDs[0] != "alice" || snap.UserIDs[1] != "bob" {
		t.Fatalf("unexpected snapshot: %v", snap.UserIDs)
	}

	reg.SetOffline(ctx, "bob", b)
	offline := ofType(drain(a), v1.TypePresenceChanged)
	if len(offline) != 1 {
		t.Fatalf("expected offline broadcast")
	}
	op := decode[v1.PresenceChangedPayload](t, offline[0])
	if op.Status != v1.StatusOffline || op.LastSeen == nil {
		t.Fatalf("unexpected offline payload: %+v", op)
	}

	if got := reg.OnlineUsers(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("OnlineUsers=%v want [alice]", got)
	}
}

type failingDirectory struct{}

func (failingDirectory) Lookup(context.Context, string) (identity.User, error) {
	return identity.User{}, errors.New("directory down")
}

func (failingDirectory) SetPresence(context.Context, string, bool, time.Time) error {
	return errors.New("directory down")
}

type recordingMirror struct {
	events []string
}

func (m *recordingMirror) Online(_ context.Context, userID string, _ time.Time) error {
	m.events = append(m.events, "online:"+userID)
	return nil
}

func (m *recordingMirror) Offline(_ context.Context, userID string, _ time.Time) error {
	m.events = append(m.events, "offline:"+userID)
	return nil
}

func TestRegistry_PersistsPresence(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	dir := identity.NewMemoryStore()
	dir.Put(identity.User{ID: "alice"})
	mirror := &recordingMirror{}

	reg, fan := newTestRegistry(
		WithDirectory(dir),
		WithPresenceMirror(mirror),
		WithClock(func() time.Time { return now }),
	)
	c := NewClient("s1", "", 16)
	fan.Add(c)

	ctx := context.Background()
	reg.SetOnline(ctx, "alice", c)

	u, _ := dir.Lookup(ctx, "alice")
	if !u.IsOnline || u.LastSeen == nil || !u.LastSeen.Equal(now) {
		t.Fatalf("online not persisted: %+v", u)
	}

	reg.SetOffline(ctx, "alice", c)
	u, _ = dir.Lookup(ctx, "alice")
	if u.IsOnline {
		t.Fatalf("offline not persisted: %+v", u)
	}

	if len(mirror.events) != 2 || mirror.events[0] != "online:alice" || mirror.events[1] != "offline:alice" {
		t.Fatalf("unexpected mirror events: %v", mirror.events)
	}
}

func TestRegistry_DirectoryFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	reg, fan := newTestRegistry(WithDirectory(failingDirectory{}))
	c := NewClient("s1", "", 16)
	fan.Add(c)

	reg.SetOnline(context.Background(), "alice", c)
	if _, ok := reg.Resolve("alice"); !ok {
		t.Fatalf("registry entry must be set even when persistence fails")
	}
}

// slowOfflineDirectory delays offline writes to widen the reload race window.
type slowOfflineDirectory struct {
	delay time.Duration

	mu     sync.Mutex
	online map[string]bool
}

func (d *slowOfflineDirectory) Lookup(_ context.Context, userID string) (identity.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return identity.User{ID: userID, IsOnline: d.online[userID]}, nil
}

func (d *slowOfflineDirectory) SetPresence(_ context.Context, userID string, online bool, _ time.Time) error {
	if !online {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.online == nil {
		d.online = make(map[string]bool)
	}
	d.online[userID] = online
	return nil
}

func TestRegistry_ReloadRaceEndsOnline(t *testing.T) {
	t.Parallel()

	dir := &slowOfflineDirectory{delay: 200 * time.Millisecond}
	reg, fan := newTestRegistry(WithDirectory(dir))

	watcher := NewClient("watch", "", 64)
	tab1 := NewClient("tab1", "", 64)
	tab2 := NewClient("tab2", "", 64)
	fan.Add(watcher)
	fan.Add(tab1)
	fan.Add(tab2)

	ctx := context.Background()
	reg.SetOnline(ctx, "alice", tab1)
	drain(watcher)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reg.SetOffline(ctx, "alice", tab1)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		reg.SetOnline(ctx, "alice", tab2)
	}()
	wg.Wait()

	got, ok := reg.Resolve("alice")
	if !ok || got != tab2 {
		t.Fatalf("registry should route to tab2, got %v ok=%v", got, ok)
	}

	changes := ofType(drain(watcher), v1.TypePresenceChanged)
	if len(changes) == 0 {
		t.Fatalf("expected presence broadcasts")
	}
	last := decode[v1.PresenceChangedPayload](t, changes[len(changes)-1])
	if last.UserID != "alice" || last.Status != v1.StatusOnline {
		t.Fatalf("last broadcast must be online, got %+v", last)
	}

	u, _ := dir.Lookup(ctx, "alice")
	if !u.IsOnline {
		t.Fatalf("directory must end online")
	}
}

func TestFanout_EmitToFullQueueDrops(t *testing.T) {
	t.Parallel()

	fan := NewFanout(testLogger(), nil)
	c := NewClient("s1", "", 1)
	fan.Add(c)

	if !fan.EmitToConnection(c, v1.TypeTypingChanged, v1.TypingChangedPayload{UserID: "a"}) {
		t.Fatalf("first emit should be queued")
	}
	if fan.EmitToConnection(c, v1.TypeTypingChanged, v1.TypingChangedPayload{UserID: "a"}) {
		t.Fatalf("emit to a full queue must report false, not block")
	}

	c.Close()
	drain(c)
	if fan.EmitToConnection(c, v1.TypeTypingChanged, v1.TypingChangedPayload{UserID: "a"}) {
		t.Fatalf("emit to a closed client must report false")
	}
	if fan.EmitToConnection(nil, v1.TypeTypingChanged, nil) {
		t.Fatalf("emit to nil handle must report false")
	}
}
