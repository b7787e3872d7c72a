package messaging

import (
	"context"
	"time"
)

// MessageStore persists messages. It is the source of truth for message state.
//
// Requirements:
//   - InsertMessage assigns ID and CreatedAt when empty (write time, persistence clock).
//   - List* exclude fully deleted messages and messages the caller deleted, ordered by
//     CreatedAt ASC then ID ASC.
//   - MarkConversationRead is a single bulk update and returns the modified row count.
//   - Deletion applies the two-party rule atomically per message.
type MessageStore interface {
	InsertMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	ListConversation(ctx context.Context, userID, counterpartID string) ([]Message, error)
	ListForUser(ctx context.Context, userID string) ([]Message, error)
	MarkConversationRead(ctx context.Context, readerID, senderID string, now time.Time) (int64, error)
	DeleteForUser(ctx context.Context, messageID, userID string) (Message, error)
	DeleteConversationForUser(ctx context.Context, userID, counterpartID string) (int64, error)
	Close() error
}

// NotificationStore persists notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
}

// NotificationPublisher forwards created notifications to an external consumer.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, n Notification) error
}
