package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresenceMirror keeps a set of online user ids and a last-seen hash in Redis.
//
// Keys:
//   - <prefix>:online     SET of online user ids
//   - <prefix>:last_seen  HASH user id -> RFC3339Nano timestamp
type RedisPresenceMirror struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisPresenceMirror constructs a mirror. An empty prefix defaults to "relay:presence".
func NewRedisPresenceMirror(rdb redis.UniversalClient, prefix string) (*RedisPresenceMirror, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "relay:presence"
	}
	return &RedisPresenceMirror{rdb: rdb, prefix: prefix}, nil
}

func (m *RedisPresenceMirror) onlineKey() string   { return m.prefix + ":online" }
func (m *RedisPresenceMirror) lastSeenKey() string { return m.prefix + ":last_seen" }

// Online marks userID online.
func (m *RedisPresenceMirror) Online(ctx context.Context, userID string, at time.Time) error {
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, m.onlineKey(), userID)
		p.HSet(ctx, m.lastSeenKey(), userID, at.UTC().Format(time.RFC3339Nano))
		return nil
	})
	return err
}

// Offline marks userID offline.
func (m *RedisPresenceMirror) Offline(ctx context.Context, userID string, at time.Time) error {
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, m.onlineKey(), userID)
		p.HSet(ctx, m.lastSeenKey(), userID, at.UTC().Format(time.RFC3339Nano))
		return nil
	})
	return err
}

// OnlineUsers reads the mirrored online set.
func (m *RedisPresenceMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	return m.rdb.SMembers(ctx, m.onlineKey()).Result()
}

// Reset clears the online set. Called at startup because a fresh process owns no connections.
func (m *RedisPresenceMirror) Reset(ctx context.Context) error {
	return m.rdb.Del(ctx, m.onlineKey()).Err()
}
