package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"relay/cmd/identity"
	"relay/cmd/internal/metrics"
	"relay/cmd/internal/realtime"
	v1 "relay/shared/contracts/realtime/v1"
)

const sideEffectTimeout = 3 * time.Second

// Delivery resolves reachable connections and pushes to them. realtime.Router implements it.
type Delivery interface {
	Resolve(userID string) (*realtime.Client, bool)
	EmitToConnection(c *realtime.Client, event string, payload any) bool
}

// Service is the message delivery pipeline and read-receipt component.
type Service struct {
	log       *slog.Logger
	store     MessageStore
	notes     NotificationStore
	users     identity.Directory
	delivery  Delivery
	publisher NotificationPublisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher forwards created notifications to p (best-effort).
func WithPublisher(p NotificationPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics records pipeline counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides time.Now for read timestamps (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a Service. notes may be nil (notifications are then push-only).
func NewService(log *slog.Logger, store MessageStore, notes NotificationStore, users identity.Directory, delivery Delivery, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("messaging: nil message store")
	}
	if users == nil {
		return nil, errors.New("messaging: nil user directory")
	}
	if delivery == nil {
		return nil, errors.New("messaging: nil delivery")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:      log,
		store:    store,
		notes:    notes,
		users:    users,
		delivery: delivery,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SendMessage validates, persists and pushes one message.
//
// Validation and lookup failures persist nothing. Once persisted, push and notification
// failures are logged and swallowed; the returned message is the caller's confirmation.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (v1.MessagePayload, error) {
	const op = "messaging.SendMessage"

	in.SenderID = strings.TrimSpace(in.SenderID)
	in.ReceiverID = strings.TrimSpace(in.ReceiverID)
	// Text is stored as typed so clients can match their optimistic copy; blank text is empty.
	if strings.TrimSpace(in.Text) == "" {
		in.Text = ""
	}
	in.ImageRef = strings.TrimSpace(in.ImageRef)

	switch {
	case in.SenderID == "":
		return v1.MessagePayload{}, validation(op, "missing sender")
	case in.ReceiverID == "":
		return v1.MessagePayload{}, validation(op, "missing receiver")
	case in.SenderID == in.ReceiverID:
		return v1.MessagePayload{}, validation(op, "cannot message yourself")
	case in.Text == "" && in.ImageRef == "":
		return v1.MessagePayload{}, validation(op, "message must have text or an image")
	case !utf8.ValidString(in.Text):
		return v1.MessagePayload{}, validation(op, "text is not valid UTF-8")
	case utf8.RuneCountInString(in.Text) > maxMessageChars:
		return v1.MessagePayload{}, validation(op, fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
	}

	receiver, err := s.users.Lookup(ctx, in.ReceiverID)
	if identity.IsNotFound(err) {
		return v1.MessagePayload{}, notFound(op, "receiver "+in.ReceiverID)
	}
	if err != nil {
		return v1.MessagePayload{}, fmt.Errorf("%s: lookup receiver: %w", op, err)
	}
	sender := s.summary(ctx, in.SenderID)

	stored, err := s.store.InsertMessage(ctx, Message{
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Text:       in.Text,
		ImageRef:   in.ImageRef,
	})
	if err != nil {
		return v1.MessagePayload{}, fmt.Errorf("%s: persist: %w", op, err)
	}
	s.metrics.MessageSent()

	out := wireMessage(stored, &sender, &v1.UserSummary{
		ID:          receiver.ID,
		DisplayName: receiver.DisplayName,
		AvatarURL:   receiver.AvatarURL,
	})

	conn, reachable := s.delivery.Resolve(in.ReceiverID)
	if reachable {
		s.delivery.EmitToConnection(conn, v1.TypeReceiveMessage, out)
	}

	s.notify(ctx, stored, conn, reachable)

	s.log.Info("delivery.sent",
		"message_id", stored.ID,
		"sender_id", stored.SenderID,
		"receiver_id", stored.ReceiverID,
		"reachable", reachable,
	)
	return out, nil
}

// MarkConversationRead marks every unread message from counterpartID to readerID as read.
// A messages-read receipt goes to counterpartID only when rows were modified, so repeated
// calls are silent no-ops.
func (s *Service) MarkConversationRead(ctx context.Context, readerID, counterpartID string) (int64, error) {
	const op = "messaging.MarkConversationRead"

	readerID = strings.TrimSpace(readerID)
	counterpartID = strings.TrimSpace(counterpartID)
	if readerID == "" || counterpartID == "" {
		return 0, validation(op, "missing user id")
	}
	if readerID == counterpartID {
		return 0, validation(op, "reader and counterpart are the same user")
	}

	n, err := s.store.MarkConversationRead(ctx, readerID, counterpartID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	s.metrics.ReadReceipt()

	// The bulk update has committed; the receipt covers everything up to now.
	if conn, ok := s.delivery.Resolve(counterpartID); ok {
		s.delivery.EmitToConnection(conn, v1.TypeMessagesRead, v1.MessagesReadPayload{
			SenderID: counterpartID,
			ReadBy:   readerID,
		})
	}

	s.log.Info("receipt.read", "reader_id", readerID, "sender_id", counterpartID, "count", n)
	return n, nil
}

// ListMessages returns the conversation between userID and counterpartID as seen by userID.
func (s *Service) ListMessages(ctx context.Context, userID, counterpartID string) ([]v1.MessagePayload, error) {
	const op = "messaging.ListMessages"

	userID = strings.TrimSpace(userID)
	counterpartID = strings.TrimSpace(counterpartID)
	if userID == "" || counterpartID == "" {
		return nil, validation(op, "missing user id")
	}

	msgs, err := s.store.ListConversation(ctx, userID, counterpartID)
	if err != nil {
		return nil, err
	}

	self := s.summary(ctx, userID)
	other := s.summary(ctx, counterpartID)

	out := make([]v1.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		if m.SenderID == userID {
			out = append(out, wireMessage(m, &self, &other))
		} else {
			out = append(out, wireMessage(m, &other, &self))
		}
	}
	return out, nil
}

// Conversations derives one summary per counterpart, newest first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	const op = "messaging.Conversations"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, validation(op, "missing user id")
	}

	msgs, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	type agg struct {
		last   Message
		unread int
	}
	byPeer := make(map[string]*agg)
	for _, m := range msgs {
		peer := m.Counterpart(userID)
		a := byPeer[peer]
		if a == nil {
			a = &agg{}
			byPeer[peer] = a
		}
		// msgs are ascending, so the last one seen is the newest.
		a.last = m
		if m.ReceiverID == userID && !m.IsRead {
			a.unread++
		}
	}

	out := make([]Conversation, 0, len(byPeer))
	for peer, a := range byPeer {
		out = append(out, Conversation{
			Participants: [2]string{userID, peer},
			Counterpart:  s.summary(ctx, peer),
			LastMessage:  wireMessage(a.last, nil, nil),
			UnreadCount:  a.unread,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].LastMessage, out[j].LastMessage
		if !li.CreatedAt.Equal(lj.CreatedAt) {
			return li.CreatedAt.After(lj.CreatedAt)
		}
		return li.ID > lj.ID
	})
	return out, nil
}

// DeleteMessage hides messageID for userID. The message is fully deleted once both
// participants have deleted it.
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID string) (Message, error) {
	const op = "messaging.DeleteMessage"

	userID = strings.TrimSpace(userID)
	messageID = strings.TrimSpace(messageID)
	if userID == "" || messageID == "" {
		return Message{}, validation(op, "missing id")
	}

	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if !m.HasParticipant(userID) {
		return Message{}, forbidden(op, "not a participant")
	}
	if m.IsDeleted {
		return Message{}, notFound(op, "message "+messageID)
	}

	return s.store.DeleteForUser(ctx, messageID, userID)
}

// DeleteConversation applies DeleteMessage to every visible message between the two users.
func (s *Service) DeleteConversation(ctx context.Context, userID, counterpartID string) (int64, error) {
	const op = "messaging.DeleteConversation"

	userID = strings.TrimSpace(userID)
	counterpartID = strings.TrimSpace(counterpartID)
	if userID == "" || counterpartID == "" {
		return 0, validation(op, "missing user id")
	}
	if userID == counterpartID {
		return 0, validation(op, "counterpart is the caller")
	}
	return s.store.DeleteConversationForUser(ctx, userID, counterpartID)
}

// notify creates the receiver's notification and pushes it when reachable. Best-effort.
func (s *Service) notify(ctx context.Context, m Message, conn *realtime.Client, reachable bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	n := Notification{
		RecipientID: m.ReceiverID,
		ActorID:     m.SenderID,
		Kind:        NotificationKindMessage,
		MessageID:   m.ID,
		Preview:     preview(m),
		CreatedAt:   m.CreatedAt,
	}

	if s.notes != nil {
		created, err := s.notes.CreateNotification(ctx, n)
		if err != nil {
			s.metrics.SideEffectFailed("notification")
			s.log.Warn("delivery.notification.fail", "message_id", m.ID, "err", err)
		} else {
			n = created
		}
	}

	if s.publisher != nil {
		if err := s.publisher.PublishNotification(ctx, n); err != nil {
			s.metrics.SideEffectFailed("notification_publish")
			s.log.Warn("delivery.notification.publish.fail", "message_id", m.ID, "err", err)
		}
	}

	if reachable {
		s.delivery.EmitToConnection(conn, v1.TypeReceiveNotification, v1.NotificationPayload{
			RecipientID:  n.RecipientID,
			Notification: n.wire(),
		})
	}
}

// summary returns display info for userID; lookup failures degrade to the bare id.
func (s *Service) summary(ctx context.Context, userID string) v1.UserSummary {
	u, err := s.users.Lookup(ctx, userID)
	if err != nil {
		if !identity.IsNotFound(err) {
			s.log.Warn("directory.lookup.fail", "user_id", userID, "err", err)
		}
		return v1.UserSummary{ID: userID}
	}
	return v1.UserSummary{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

func wireMessage(m Message, sender, receiver *v1.UserSummary) v1.MessagePayload {
	return v1.MessagePayload{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		ImageRef:   m.ImageRef,
		CreatedAt:  m.CreatedAt,
		IsRead:     m.IsRead,
		ReadAt:     m.ReadAt,
		Sender:     sender,
		Receiver:   receiver,
	}
}

func preview(m Message) string {
	if m.Text == "" {
		return "[image]"
	}
	r := []rune(m.Text)
	if len(r) <= maxPreviewChars {
		return m.Text
	}
	return string(r[:maxPreviewChars]) + "…"
}
