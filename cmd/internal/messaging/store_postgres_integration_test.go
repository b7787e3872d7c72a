package messaging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when RELAY_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Contract(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	exerciseMessageStore(t, st)
	exerciseNotificationStore(t, st)
}

func TestPostgresStore_RejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := st.InsertMessage(ctx, Message{SenderID: "a", ReceiverID: "b"}); err == nil {
		t.Fatalf("expected check constraint violation for empty message")
	}
}

func TestWithSchema_RejectsInvalidIdentifier(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "  ", "1abc", "bad-name", `x"; DROP TABLE y; --`} {
		if err := WithSchema(s)(&PostgresStore{}); err == nil {
			t.Fatalf("WithSchema(%q): expected error", s)
		}
	}
	if err := WithSchema("relay_it")(&PostgresStore{}); err != nil {
		t.Fatalf("WithSchema(relay_it): %v", err)
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("RELAY_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: RELAY_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse RELAY_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	// Validate acquire quickly.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	b := make([]byte, 8)
	_, _ = rand.Read(b)
	schema := "relay_it_" + hex.EncodeToString(b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	messages := pgIdent(schema, "messages")
	notifications := pgIdent(schema, "notifications")

	// Minimal schema required by PostgresStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id          TEXT PRIMARY KEY,
  sender_id   TEXT NOT NULL,
  receiver_id TEXT NOT NULL,
  text        TEXT,
  image_ref   TEXT,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  is_read     BOOLEAN NOT NULL DEFAULT false,
  read_at     TIMESTAMPTZ,
  deleted_by  TEXT[] NOT NULL DEFAULT '{}',
  is_deleted  BOOLEAN NOT NULL DEFAULT false,

  CONSTRAINT chk_messages_not_empty CHECK (coalesce(text, '') <> '' OR coalesce(image_ref, '') <> ''),
  CONSTRAINT chk_messages_text_len CHECK (char_length(coalesce(text, '')) <= 4000)
);

CREATE INDEX IF NOT EXISTS idx_messages_pair_created
  ON %s (sender_id, receiver_id, created_at);

CREATE INDEX IF NOT EXISTS idx_messages_unread
  ON %s (receiver_id, sender_id) WHERE is_read = false;

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  recipient_id TEXT NOT NULL,
  actor_id     TEXT,
  kind         TEXT NOT NULL,
  message_id   TEXT,
  preview      TEXT NOT NULL DEFAULT '',
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  is_read      BOOLEAN NOT NULL DEFAULT false
);
`, messages, messages, messages, notifications)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
