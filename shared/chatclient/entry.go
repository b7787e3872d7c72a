package chatclient

import (
	"strings"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// State is the lifecycle of one cached message: Pending -> Confirmed, or Pending -> Failed.
type State int

const (
	// StatePending is an optimistic local copy awaiting server confirmation.
	StatePending State = iota + 1
	// StateConfirmed is a message the server persisted.
	StateConfirmed
	// StateFailed is a rolled-back send. Failed entries are never kept in a list.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const localIDPrefix = "tmp-"

// Entry is one message in a cached conversation.
// LocalID is set for entries created locally and is only used as a display key.
type Entry struct {
	State   State
	LocalID string
	Message v1.MessagePayload
}

// Key returns a stable display key: the server id once confirmed, the local id before.
func (e Entry) Key() string {
	if e.State == StateConfirmed && e.Message.ID != "" {
		return e.Message.ID
	}
	return e.LocalID
}

// Draft returns the compose input to restore after a failed send.
func (e Entry) Draft() Draft {
	return Draft{Text: e.Message.Text, ImageRef: e.Message.ImageRef}
}

// Draft is unsent compose input.
type Draft struct {
	Text     string
	ImageRef string
}

// newPendingEntry normalizes content the way the server persists it: text is kept as typed
// unless blank, image refs are trimmed.
func newPendingEntry(senderID, receiverID, text, imageRef string, now time.Time) Entry {
	if strings.TrimSpace(text) == "" {
		text = ""
	}
	imageRef = strings.TrimSpace(imageRef)
	return Entry{
		State:   StatePending,
		LocalID: localIDPrefix + uuid.NewString(),
		Message: v1.MessagePayload{
			SenderID:   senderID,
			ReceiverID: receiverID,
			Text:       text,
			ImageRef:   imageRef,
			CreatedAt:  now,
		},
	}
}

func confirmedEntry(m v1.MessagePayload) Entry {
	return Entry{State: StateConfirmed, Message: m}
}

// matchesPending reports whether confirmed is the server copy of the optimistic entry:
// same sender, same text, same image ref and creation times within tolerance.
func matchesPending(pending Entry, confirmed v1.MessagePayload, tolerance time.Duration) bool {
	if pending.State != StatePending {
		return false
	}
	p := pending.Message
	if p.SenderID != confirmed.SenderID || p.Text != confirmed.Text || p.ImageRef != confirmed.ImageRef {
		return false
	}
	d := confirmed.CreatedAt.Sub(p.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
