package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const mongoOpTimeout = 3 * time.Second

// MongoStore implements Directory over a MongoDB "users" collection.
// The client is owned by the caller.
type MongoStore struct {
	users *mongo.Collection
}

type mongoUser struct {
	ID          string     `bson:"_id"`
	DisplayName string     `bson:"display_name,omitempty"`
	AvatarURL   string     `bson:"avatar_url,omitempty"`
	IsOnline    bool       `bson:"is_online"`
	LastSeen    *time.Time `bson:"last_seen,omitempty"`
}

// NewMongoStore constructs a MongoStore over db.users.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("identity: nil mongo database")
	}
	return &MongoStore{users: db.Collection("users")}, nil
}

// Lookup returns the user with userID.
func (s *MongoStore) Lookup(ctx context.Context, userID string) (User, error) {
	const op = "identity.Lookup"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "missing user id")
	}

	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoUser
	err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, NotFoundError{Op: op, UserID: userID}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}

	return User{
		ID:          doc.ID,
		DisplayName: doc.DisplayName,
		AvatarURL:   doc.AvatarURL,
		IsOnline:    doc.IsOnline,
		LastSeen:    doc.LastSeen,
	}, nil
}

// SetPresence updates is_online/last_seen without upserting unknown users.
func (s *MongoStore) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	const op = "identity.SetPresence"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return invalid(op, "missing user id")
	}

	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	_, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"is_online": online, "last_seen": at.UTC()}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
