package messaging

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"relay/cmd/identity/ids"
)

// MemoryStore is a dev-only MessageStore + NotificationStore used when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
	order    []string // insertion order

	notifications []Notification

	now func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		now:      time.Now,
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if m.ID == "" {
		id, err := ids.NewULID(m.CreatedAt)
		if err != nil {
			return Message{}, err
		}
		m.ID = id
	}
	m.DeletedBy = slices.Clone(m.DeletedBy)

	cp := m
	s.messages[m.ID] = &cp
	s.order = append(s.order, m.ID)
	return m, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return Message{}, notFound("messaging.GetMessage", "message "+id)
	}
	return cloneMessage(*m), nil
}

func (s *MemoryStore) ListConversation(ctx context.Context, userID, counterpartID string) ([]Message, error) {
	return s.list(ctx, func(m *Message) bool {
		return isPair(m, userID, counterpartID) && m.VisibleTo(userID)
	})
}

func (s *MemoryStore) ListForUser(ctx context.Context, userID string) ([]Message, error) {
	return s.list(ctx, func(m *Message) bool {
		return m.HasParticipant(userID) && m.VisibleTo(userID)
	})
}

func (s *MemoryStore) MarkConversationRead(ctx context.Context, readerID, senderID string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	ts := now.UTC()
	for _, m := range s.messages {
		if m.SenderID == senderID && m.ReceiverID == readerID && !m.IsRead {
			m.IsRead = true
			at := ts
			m.ReadAt = &at
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteForUser(ctx context.Context, messageID, userID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, notFound("messaging.DeleteForUser", "message "+messageID)
	}
	m.deleteFor(userID)
	return cloneMessage(*m), nil
}

func (s *MemoryStore) DeleteConversationForUser(ctx context.Context, userID, counterpartID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages {
		if isPair(m, userID, counterpartID) && m.VisibleTo(userID) {
			m.deleteFor(userID)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	if n.ID == "" {
		id, err := ids.NewULID(n.CreatedAt)
		if err != nil {
			return Notification{}, err
		}
		n.ID = id
	}
	s.notifications = append(s.notifications, n)
	return n, nil
}

// Notifications returns a copy of every stored notification for recipientID.
func (s *MemoryStore) Notifications(recipientID string) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Notification
	for _, n := range s.notifications {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	return out
}

func (s *MemoryStore) list(ctx context.Context, keep func(*Message) bool) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Message, 0, 16)
	for _, id := range s.order {
		if m := s.messages[id]; keep(m) {
			out = append(out, cloneMessage(*m))
		}
	}
	s.mu.Unlock()

	sortMessages(out)
	return out, nil
}

func isPair(m *Message, a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

func cloneMessage(m Message) Message {
	m.DeletedBy = slices.Clone(m.DeletedBy)
	if m.ReadAt != nil {
		at := *m.ReadAt
		m.ReadAt = &at
	}
	return m
}

func sortMessages(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}
