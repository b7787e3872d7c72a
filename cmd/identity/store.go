package identity

import (
	"context"
	"time"
)

// User is the slice of a user account the realtime core consumes.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string

	IsOnline bool
	LastSeen *time.Time
}

// Directory is the user directory collaborator.
//
// Lookup returns NotFoundError for unknown ids.
// SetPresence persists is_online/last_seen; unknown ids are a no-op, not an error,
// because presence may be announced for accounts the directory has not replicated yet.
type Directory interface {
	Lookup(ctx context.Context, userID string) (User, error)
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
}
