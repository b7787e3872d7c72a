package messaging

import (
	"slices"
	"time"

	v1 "relay/shared/contracts/realtime/v1"
)

// Limits.
const (
	// Max message text length (runes).
	maxMessageChars = 4000

	// Max notification preview length (runes).
	maxPreviewChars = 80
)

// NotificationKindMessage is the notification kind created for every sent message.
const NotificationKindMessage = "message"

// Message is the canonical persisted message.
//
// Invariants:
//   - Text or ImageRef is non-empty.
//   - IsDeleted is true iff both participants are in DeletedBy.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Text       string
	ImageRef   string
	CreatedAt  time.Time
	IsRead     bool
	ReadAt     *time.Time
	DeletedBy  []string
	IsDeleted  bool
}

// HasParticipant reports whether userID is the sender or receiver.
func (m Message) HasParticipant(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

// VisibleTo reports whether userID still sees the message.
func (m Message) VisibleTo(userID string) bool {
	return !m.IsDeleted && !slices.Contains(m.DeletedBy, userID)
}

// Counterpart returns the other participant from userID's point of view.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// deleteFor applies the two-party deletion rule in place.
func (m *Message) deleteFor(userID string) {
	if !slices.Contains(m.DeletedBy, userID) {
		m.DeletedBy = append(m.DeletedBy, userID)
	}
	m.IsDeleted = slices.Contains(m.DeletedBy, m.SenderID) && slices.Contains(m.DeletedBy, m.ReceiverID)
}

// Notification is a persisted notification record.
type Notification struct {
	ID          string
	RecipientID string
	ActorID     string
	Kind        string
	MessageID   string
	Preview     string
	CreatedAt   time.Time
	IsRead      bool
}

func (n Notification) wire() v1.Notification {
	return v1.Notification{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		ActorID:     n.ActorID,
		Kind:        n.Kind,
		MessageID:   n.MessageID,
		Preview:     n.Preview,
		CreatedAt:   n.CreatedAt,
		IsRead:      n.IsRead,
	}
}

// Conversation is the derived summary of all messages between the caller and one counterpart.
type Conversation struct {
	Participants [2]string         `json:"participants"`
	Counterpart  v1.UserSummary    `json:"counterpart"`
	LastMessage  v1.MessagePayload `json:"lastMessage"`
	UnreadCount  int               `json:"unreadCount"`
}

// SendInput is a send request. Empty Text and ImageRef together are rejected.
type SendInput struct {
	SenderID   string
	ReceiverID string
	Text       string
	ImageRef   string
}
