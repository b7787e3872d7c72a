package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Directory over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the directory (default "relay").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !isValidPGIdent(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
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
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// Lookup returns the user with userID.
func (s *PostgresStore) Lookup(ctx context.Context, userID string) (User, error) {
	const op = "identity.Lookup"

	if s == nil || s.pool == nil {
		return User{}, invalid(op, "nil store")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "missing user id")
	}

	users := pgIdent(s.schema, "users")

	var (
		u           User
		displayName *string
		avatarURL   *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url, is_online, last_seen
		   FROM `+users+`
		  WHERE id = $1`,
		userID,
	).Scan(&u.ID, &displayName, &avatarURL, &u.IsOnline, &u.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, UserID: userID}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	if displayName != nil {
		u.DisplayName = *displayName
	}
	if avatarURL != nil {
		u.AvatarURL = *avatarURL
	}
	return u, nil
}

// SetPresence updates is_online/last_seen. Unknown ids affect zero rows and are not an error.
func (s *PostgresStore) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	const op = "identity.SetPresence"

	if s == nil || s.pool == nil {
		return invalid(op, "nil store")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return invalid(op, "missing user id")
	}

	users := pgIdent(s.schema, "users")
	if _, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET is_online = $2, last_seen = $3 WHERE id = $1`,
		userID, online, at.UTC(),
	); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
