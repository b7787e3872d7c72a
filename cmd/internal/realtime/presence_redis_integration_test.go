package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Enabled when RELAY_TEST_REDIS_ADDR is set (host:port).

func TestRedisPresenceMirror_OnlineOffline(t *testing.T) {
	t.Parallel()

	addr := strings.TrimSpace(os.Getenv("RELAY_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: RELAY_TEST_REDIS_ADDR is not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := "relay_it:" + NewRandomHex(6)
	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), prefix+":online", prefix+":last_seen").Err()
	})

	m, err := NewRedisPresenceMirror(rdb, prefix)
	if err != nil {
		t.Fatalf("NewRedisPresenceMirror: %v", err)
	}

	at := time.Now().UTC()
	if err := m.Online(ctx, "alice", at); err != nil {
		t.Fatalf("Online: %v", err)
	}
	if err := m.Online(ctx, "bob", at); err != nil {
		t.Fatalf("Online: %v", err)
	}
	if err := m.Offline(ctx, "alice", at.Add(time.Second)); err != nil {
		t.Fatalf("Offline: %v", err)
	}

	online, err := m.OnlineUsers(ctx)
	if err != nil {
		t.Fatalf("OnlineUsers: %v", err)
	}
	if len(online) != 1 || online[0] != "bob" {
		t.Fatalf("online=%v want [bob]", online)
	}

	seen, err := rdb.HGet(ctx, prefix+":last_seen", "alice").Result()
	if err != nil {
		t.Fatalf("HGet last_seen: %v", err)
	}
	if seen != at.Add(time.Second).Format(time.RFC3339Nano) {
		t.Fatalf("last_seen=%q", seen)
	}
}
