package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay/cmd/identity/ids"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a MessageStore + NotificationStore backed by MongoDB.
// The client is owned by the caller; Close is a no-op.
type MongoStore struct {
	messages      *mongo.Collection
	notifications *mongo.Collection
}

type mongoMessage struct {
	ID         string     `bson:"_id"`
	SenderID   string     `bson:"sender_id"`
	ReceiverID string     `bson:"receiver_id"`
	Text       string     `bson:"text,omitempty"`
	ImageRef   string     `bson:"image_ref,omitempty"`
	CreatedAt  time.Time  `bson:"created_at"`
	IsRead     bool       `bson:"is_read"`
	ReadAt     *time.Time `bson:"read_at,omitempty"`
	DeletedBy  []string   `bson:"deleted_by"`
	IsDeleted  bool       `bson:"is_deleted"`
}

type mongoNotification struct {
	ID          string    `bson:"_id"`
	RecipientID string    `bson:"recipient_id"`
	ActorID     string    `bson:"actor_id,omitempty"`
	Kind        string    `bson:"kind"`
	MessageID   string    `bson:"message_id,omitempty"`
	Preview     string    `bson:"preview,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
	IsRead      bool      `bson:"is_read"`
}

// NewMongoStore constructs a MongoStore over db.messages and db.notifications.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("messaging: nil mongo database")
	}
	return &MongoStore{
		messages:      db.Collection("messages"),
		notifications: db.Collection("notifications"),
	}, nil
}

// EnsureIndexes creates the indexes the query paths rely on (idempotent).
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "is_read", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("messaging: ensure message indexes: %w", err)
	}
	_, err = s.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("messaging: ensure notification indexes: %w", err)
	}
	return nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

func (s *MongoStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	const op = "messaging.InsertMessage"

	if m.CreatedAt.IsZero() {
		// BSON dates carry millisecond precision.
		m.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	if m.ID == "" {
		id, err := ids.NewULID(m.CreatedAt)
		if err != nil {
			return Message{}, fmt.Errorf("%s: id: %w", op, err)
		}
		m.ID = id
	}
	if m.DeletedBy == nil {
		m.DeletedBy = []string{}
	}

	if _, err := s.messages.InsertOne(ctx, toMongoMessage(m)); err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (Message, error) {
	const op = "messaging.GetMessage"

	var doc mongoMessage
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, notFound(op, "message "+id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc.message(), nil
}

func (s *MongoStore) ListConversation(ctx context.Context, userID, counterpartID string) ([]Message, error) {
	filter := bson.M{
		"$or":        pairFilter(userID, counterpartID),
		"is_deleted": false,
		"deleted_by": bson.M{"$ne": userID},
	}
	return s.find(ctx, "messaging.ListConversation", filter)
}

func (s *MongoStore) ListForUser(ctx context.Context, userID string) ([]Message, error) {
	filter := bson.M{
		"$or":        bson.A{bson.M{"sender_id": userID}, bson.M{"receiver_id": userID}},
		"is_deleted": false,
		"deleted_by": bson.M{"$ne": userID},
	}
	return s.find(ctx, "messaging.ListForUser", filter)
}

func (s *MongoStore) MarkConversationRead(ctx context.Context, readerID, senderID string, now time.Time) (int64, error) {
	res, err := s.messages.UpdateMany(ctx,
		bson.M{"sender_id": senderID, "receiver_id": readerID, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true, "read_at": now.UTC()}},
	)
	if err != nil {
		return 0, fmt.Errorf("messaging.MarkConversationRead: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) DeleteForUser(ctx context.Context, messageID, userID string) (Message, error) {
	const op = "messaging.DeleteForUser"

	var doc mongoMessage
	err := s.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": messageID},
		deleteForPipeline(userID),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, notFound(op, "message "+messageID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc.message(), nil
}

func (s *MongoStore) DeleteConversationForUser(ctx context.Context, userID, counterpartID string) (int64, error) {
	res, err := s.messages.UpdateMany(ctx,
		bson.M{
			"$or":        pairFilter(userID, counterpartID),
			"is_deleted": false,
			"deleted_by": bson.M{"$ne": userID},
		},
		deleteForPipeline(userID),
	)
	if err != nil {
		return 0, fmt.Errorf("messaging.DeleteConversationForUser: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	const op = "messaging.CreateNotification"

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	if n.ID == "" {
		id, err := ids.NewULID(n.CreatedAt)
		if err != nil {
			return Notification{}, fmt.Errorf("%s: id: %w", op, err)
		}
		n.ID = id
	}

	if _, err := s.notifications.InsertOne(ctx, mongoNotification{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		ActorID:     n.ActorID,
		Kind:        n.Kind,
		MessageID:   n.MessageID,
		Preview:     n.Preview,
		CreatedAt:   n.CreatedAt,
		IsRead:      n.IsRead,
	}); err != nil {
		return Notification{}, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (s *MongoStore) find(ctx context.Context, op string, filter bson.M) ([]Message, error) {
	cur, err := s.messages.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := make([]Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.message())
	}
	return out, nil
}

func pairFilter(a, b string) bson.A {
	return bson.A{
		bson.M{"sender_id": a, "receiver_id": b},
		bson.M{"sender_id": b, "receiver_id": a},
	}
}

// deleteForPipeline adds userID to deleted_by and recomputes is_deleted in one update.
func deleteForPipeline(userID string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "deleted_by", Value: bson.D{{Key: "$setUnion", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$deleted_by", bson.A{}}}},
			bson.A{userID},
		}}}}}}},
		{{Key: "$set", Value: bson.D{{Key: "is_deleted", Value: bson.D{{Key: "$and", Value: bson.A{
			bson.D{{Key: "$in", Value: bson.A{"$sender_id", "$deleted_by"}}},
			bson.D{{Key: "$in", Value: bson.A{"$receiver_id", "$deleted_by"}}},
		}}}}}}},
	}
}

func toMongoMessage(m Message) mongoMessage {
	return mongoMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		ImageRef:   m.ImageRef,
		CreatedAt:  m.CreatedAt,
		IsRead:     m.IsRead,
		ReadAt:     m.ReadAt,
		DeletedBy:  m.DeletedBy,
		IsDeleted:  m.IsDeleted,
	}
}

func (d mongoMessage) message() Message {
	m := Message{
		ID:         d.ID,
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Text:       d.Text,
		ImageRef:   d.ImageRef,
		CreatedAt:  d.CreatedAt.UTC(),
		IsRead:     d.IsRead,
		DeletedBy:  d.DeletedBy,
		IsDeleted:  d.IsDeleted,
	}
	if d.ReadAt != nil {
		at := d.ReadAt.UTC()
		m.ReadAt = &at
	}
	return m
}
