// Package v1 defines the Relay Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by clients.
const Subprotocol = "relay.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeIdentify announces the user behind a connection (client -> server).
	TypeIdentify = "identify"
	// TypeGoingOffline explicitly takes a user offline (client -> server).
	TypeGoingOffline = "goingOffline"
	// TypeTyping forwards a typing indicator to one recipient (client -> server).
	TypeTyping = "typing"
	// TypeSendNotification relays a notification to one recipient (client -> server).
	TypeSendNotification = "send-notification"

	// TypeOnlineUsersSnapshot lists every online user id (server -> identifying connection).
	TypeOnlineUsersSnapshot = "onlineUsersSnapshot"
	// TypePresenceChanged broadcasts a user's online/offline transition (server -> all).
	TypePresenceChanged = "presenceChanged"
	// TypeTypingChanged delivers a typing indicator (server -> one connection).
	TypeTypingChanged = "typingChanged"
	// TypeReceiveMessage pushes a persisted, denormalized message (server -> one connection).
	TypeReceiveMessage = "receive-message"
	// TypeReceiveNotification pushes a notification (server -> one connection).
	TypeReceiveNotification = "receive-notification"
	// TypeMessagesRead tells the original sender that a reader caught up (server -> one connection).
	TypeMessagesRead = "messages-read"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Presence status values carried by PresenceChangedPayload.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeIdentify,
		TypeGoingOffline,
		TypeTyping,
		TypeSendNotification,
		TypeOnlineUsersSnapshot,
		TypePresenceChanged,
		TypeTypingChanged,
		TypeReceiveMessage,
		TypeReceiveNotification,
		TypeMessagesRead,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// IdentifyPayload carries the user id claimed by a connection.
// GoingOffline uses the same shape.
type IdentifyPayload struct {
	UserID string `json:"userId"`
}

// OnlineUsersSnapshotPayload is the full online user list sent after identify.
type OnlineUsersSnapshotPayload struct {
	UserIDs []string `json:"userIds"`
}

// PresenceChangedPayload announces a presence transition.
type PresenceChangedPayload struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// TypingPayload is sent by the typing user.
type TypingPayload struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

// TypingChangedPayload is delivered to the recipient of a typing indicator.
type TypingChangedPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// UserSummary is the denormalized display info attached to messages and conversations.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// MessagePayload is a full persisted message with participant display info.
type MessagePayload struct {
	ID         string       `json:"id"`
	SenderID   string       `json:"senderId"`
	ReceiverID string       `json:"receiverId"`
	Text       string       `json:"content,omitempty"`
	ImageRef   string       `json:"image,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	IsRead     bool         `json:"isRead"`
	ReadAt     *time.Time   `json:"readAt,omitempty"`
	Sender     *UserSummary `json:"sender,omitempty"`
	Receiver   *UserSummary `json:"receiver,omitempty"`
}

// Notification is a user-facing notification record.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipientId"`
	ActorID     string    `json:"actorId,omitempty"`
	Kind        string    `json:"kind"`
	MessageID   string    `json:"messageId,omitempty"`
	Preview     string    `json:"preview,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	IsRead      bool      `json:"isRead"`
}

// NotificationPayload wraps a notification with its recipient.
// It is used both for the inbound relay and the outbound push.
type NotificationPayload struct {
	RecipientID  string       `json:"recipientId"`
	Notification Notification `json:"notification"`
}

// MessagesReadPayload tells the original sender that readBy has read everything sent to them.
type MessagesReadPayload struct {
	SenderID string `json:"senderId"`
	ReadBy   string `json:"readBy"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
