package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a dev-only Directory used when no database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User

	// autoCreate makes Lookup succeed for any non-empty id (dev mode without seeded users).
	autoCreate bool
}

// MemoryOption configures MemoryStore behavior.
type MemoryOption func(*MemoryStore)

// WithAutoCreate makes unknown ids resolve to a placeholder user instead of NotFoundError.
func WithAutoCreate(enabled bool) MemoryOption {
	return func(s *MemoryStore) { s.autoCreate = enabled }
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{users: make(map[string]User)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Put inserts or replaces a user.
func (s *MemoryStore) Put(u User) {
	id := strings.TrimSpace(u.ID)
	if id == "" {
		return
	}
	u.ID = id

	s.mu.Lock()
	s.users[id] = u
	s.mu.Unlock()
}

// Lookup returns the user with userID.
func (s *MemoryStore) Lookup(ctx context.Context, userID string) (User, error) {
	const op = "identity.Lookup"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "missing user id")
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	u, ok := s.users[userID]
	s.mu.RUnlock()

	if ok {
		return u, nil
	}
	if s.autoCreate {
		return User{ID: userID, DisplayName: userID}, nil
	}
	return User{}, NotFoundError{Op: op, UserID: userID}
}

// SetPresence records the user's presence.
func (s *MemoryStore) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return invalid("identity.SetPresence", "missing user id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		if !s.autoCreate {
			return nil
		}
		u = User{ID: userID, DisplayName: userID}
	}
	ts := at.UTC()
	u.IsOnline = online
	u.LastSeen = &ts
	s.users[userID] = u
	return nil
}
