package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"relay/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore + NotificationStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Every mutation is a single statement; row locks serialize concurrent updates to the
//     same message. No application-level locking.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, sender_id, receiver_id, text, image_ref, created_at, is_read, read_at, deleted_by, is_deleted`

// deleteForSet appends $user to deleted_by (once) and recomputes is_deleted from the new set.
// SET expressions see the old row, so the new member is checked explicitly.
const deleteForSet = `
	SET deleted_by = CASE WHEN $1 = ANY(deleted_by) THEN deleted_by ELSE array_append(deleted_by, $1) END,
	    is_deleted = is_deleted OR (
	        (sender_id = $1 OR sender_id = ANY(deleted_by)) AND
	        (receiver_id = $1 OR receiver_id = ANY(deleted_by))
	    )`

func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	const op = "messaging.InsertMessage"

	if m.ID == "" {
		id, err := ids.NewULID(time.Now().UTC())
		if err != nil {
			return Message{}, fmt.Errorf("%s: id: %w", op, err)
		}
		m.ID = id
	}
	if m.DeletedBy == nil {
		m.DeletedBy = []string{}
	}

	messages := pgIdent(s.schema, "messages")

	// created_at is assigned by the database clock unless the caller set it.
	var createdAt *time.Time
	if !m.CreatedAt.IsZero() {
		ts := m.CreatedAt.UTC()
		createdAt = &ts
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+messages+` (id, sender_id, receiver_id, text, image_ref, created_at, is_read, read_at, deleted_by, is_deleted)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()), $7, $8, $9, $10)
		 RETURNING `+messageColumns,
		m.ID, m.SenderID, m.ReceiverID, nullIfEmpty(m.Text), nullIfEmpty(m.ImageRef),
		createdAt, m.IsRead, m.ReadAt, m.DeletedBy, m.IsDeleted,
	)
	out, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	const op = "messaging.GetMessage"

	messages := pgIdent(s.schema, "messages")
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound(op, "message "+id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

func (s *PostgresStore) ListConversation(ctx context.Context, userID, counterpartID string) ([]Message, error) {
	messages := pgIdent(s.schema, "messages")
	return s.query(ctx, "messaging.ListConversation",
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		    AND NOT is_deleted
		    AND NOT ($1 = ANY(deleted_by))
		  ORDER BY created_at ASC, id ASC`,
		userID, counterpartID,
	)
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Message, error) {
	messages := pgIdent(s.schema, "messages")
	return s.query(ctx, "messaging.ListForUser",
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE (sender_id = $1 OR receiver_id = $1)
		    AND NOT is_deleted
		    AND NOT ($1 = ANY(deleted_by))
		  ORDER BY created_at ASC, id ASC`,
		userID,
	)
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, readerID, senderID string, now time.Time) (int64, error) {
	messages := pgIdent(s.schema, "messages")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET is_read = true, read_at = $3
		  WHERE sender_id = $2 AND receiver_id = $1 AND is_read = false`,
		readerID, senderID, now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("messaging.MarkConversationRead: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteForUser(ctx context.Context, messageID, userID string) (Message, error) {
	const op = "messaging.DeleteForUser"

	messages := pgIdent(s.schema, "messages")
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+messages+deleteForSet+`
		  WHERE id = $2
		RETURNING `+messageColumns,
		userID, messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound(op, "message "+messageID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

func (s *PostgresStore) DeleteConversationForUser(ctx context.Context, userID, counterpartID string) (int64, error) {
	messages := pgIdent(s.schema, "messages")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+deleteForSet+`
		  WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		    AND NOT is_deleted
		    AND NOT ($1 = ANY(deleted_by))`,
		userID, counterpartID,
	)
	if err != nil {
		return 0, fmt.Errorf("messaging.DeleteConversationForUser: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	const op = "messaging.CreateNotification"

	if n.ID == "" {
		id, err := ids.NewULID(time.Now().UTC())
		if err != nil {
			return Notification{}, fmt.Errorf("%s: id: %w", op, err)
		}
		n.ID = id
	}

	notifications := pgIdent(s.schema, "notifications")
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO `+notifications+` (id, recipient_id, actor_id, kind, message_id, preview, is_read)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		n.ID, n.RecipientID, nullIfEmpty(n.ActorID), n.Kind, nullIfEmpty(n.MessageID), n.Preview, n.IsRead,
	).Scan(&n.CreatedAt); err != nil {
		return Notification{}, fmt.Errorf("%s: %w", op, err)
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

func (s *PostgresStore) query(ctx context.Context, op, sql string, args ...any) ([]Message, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m        Message
		text     *string
		imageRef *string
	)
	if err := row.Scan(
		&m.ID,
		&m.SenderID,
		&m.ReceiverID,
		&text,
		&imageRef,
		&m.CreatedAt,
		&m.IsRead,
		&m.ReadAt,
		&m.DeletedBy,
		&m.IsDeleted,
	); err != nil {
		return Message{}, err
	}
	if text != nil {
		m.Text = *text
	}
	if imageRef != nil {
		m.ImageRef = *imageRef
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if m.ReadAt != nil {
		at := m.ReadAt.UTC()
		m.ReadAt = &at
	}
	return m, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
