package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/realtime"
	v1 "relay/shared/contracts/realtime/v1"
)

type pushed struct {
	conn    *realtime.Client
	event   string
	payload any
}

// fakeDelivery is a Delivery over a fixed user -> connection map that records pushes.
type fakeDelivery struct {
	mu     sync.Mutex
	online map[string]*realtime.Client
	pushes []pushed
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{online: make(map[string]*realtime.Client)}
}

func (d *fakeDelivery) connect(userID string) *realtime.Client {
	c := realtime.NewClient("sess-"+userID, "", 8)
	d.mu.Lock()
	d.online[userID] = c
	d.mu.Unlock()
	return c
}

func (d *fakeDelivery) Resolve(userID string) (*realtime.Client, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.online[userID]
	return c, ok
}

func (d *fakeDelivery) EmitToConnection(c *realtime.Client, event string, payload any) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushes = append(d.pushes, pushed{conn: c, event: event, payload: payload})
	return true
}

func (d *fakeDelivery) events(event string) []pushed {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []pushed
	for _, p := range d.pushes {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

type failingNotes struct{}

func (failingNotes) CreateNotification(context.Context, Notification) (Notification, error) {
	return Notification{}, errors.New("notifications down")
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []Notification
}

func (p *recordingPublisher) PublishNotification(_ context.Context, n Notification) error {
	p.mu.Lock()
	p.got = append(p.got, n)
	p.mu.Unlock()
	return nil
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	delivery *fakeDelivery
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()

	dir := identity.NewMemoryStore()
	dir.Put(identity.User{ID: "alice", DisplayName: "Alice"})
	dir.Put(identity.User{ID: "bob", DisplayName: "Bob", AvatarURL: "avatars/bob.png"})
	dir.Put(identity.User{ID: "carol", DisplayName: "Carol"})

	store := NewMemoryStore()
	delivery := newFakeDelivery()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewService(log, store, store, dir, delivery, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return fixture{svc: svc, store: store, delivery: delivery}
}

func TestSendMessage_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   SendInput
		kind error
	}{
		{name: "empty content", in: SendInput{SenderID: "alice", ReceiverID: "bob"}, kind: ErrValidation},
		{name: "whitespace content", in: SendInput{SenderID: "alice", ReceiverID: "bob", Text: "   "}, kind: ErrValidation},
		{name: "missing receiver", in: SendInput{SenderID: "alice", Text: "hi"}, kind: ErrValidation},
		{name: "self", in: SendInput{SenderID: "alice", ReceiverID: "alice", Text: "hi"}, kind: ErrValidation},
		{name: "too long", in: SendInput{SenderID: "alice", ReceiverID: "bob", Text: strings.Repeat("é", maxMessageChars+1)}, kind: ErrValidation},
		{name: "unknown receiver", in: SendInput{SenderID: "alice", ReceiverID: "ghost", Text: "hi"}, kind: ErrNotFound},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.delivery.connect("bob")

			_, err := f.svc.SendMessage(context.Background(), tc.in)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("err=%v want kind %v", err, tc.kind)
			}

			all, _ := f.store.ListForUser(context.Background(), "alice")
			if len(all) != 0 {
				t.Fatalf("expected nothing persisted, got %d messages", len(all))
			}
			if n := len(f.delivery.pushes); n != 0 {
				t.Fatalf("expected no pushes, got %d", n)
			}
		})
	}
}

func TestSendMessage_ImageOnlyIsValid(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, err := f.svc.SendMessage(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", ImageRef: "uploads/cat.png"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if out.ImageRef != "uploads/cat.png" || out.Text != "" {
		t.Fatalf("unexpected message: %+v", out)
	}
}

func TestSendMessage_KeepsTextAsTyped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, err := f.svc.SendMessage(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Text: "  hi there  "})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if out.Text != "  hi there  " {
		t.Fatalf("text must be persisted as typed, got %q", out.Text)
	}

	out, err = f.svc.SendMessage(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Text: "  ", ImageRef: " uploads/cat.png "})
	if err != nil {
		t.Fatalf("SendMessage image: %v", err)
	}
	if out.Text != "" || out.ImageRef != "uploads/cat.png" {
		t.Fatalf("blank text must be dropped and image ref trimmed: %+v", out)
	}
}

func TestSendMessage_UnreachableRecipientPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	out, err := f.svc.SendMessage(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if out.ID == "" || out.IsRead {
		t.Fatalf("unexpected persisted message: %+v", out)
	}
	if out.Sender == nil || out.Sender.DisplayName != "Alice" {
		t.Fatalf("expected denormalized sender, got %+v", out.Sender)
	}

	msgs, err := f.store.ListConversation(context.Background(), "bob", "alice")
	if err != nil {
		t.Fatalf("ListConversation: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != out.ID {
		t.Fatalf("expected the message to be persisted, got %+v", msgs)
	}
	if n := len(f.delivery.pushes); n != 0 {
		t.Fatalf("expected no pushes to an unreachable recipient, got %d", n)
	}

	// The notification is persisted regardless of reachability.
	if notes := f.store.Notifications("bob"); len(notes) != 1 || notes[0].MessageID != out.ID {
		t.Fatalf("expected one notification for bob, got %+v", notes)
	}
}

func TestSendMessage_ReachableRecipientGetsPushes(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	f := newFixture(t, WithPublisher(pub))
	bobConn := f.delivery.connect("bob")

	out, err := f.svc.SendMessage(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Text: "hello"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msgs := f.delivery.events(v1.TypeReceiveMessage)
	if len(msgs) != 1 || msgs[0].conn != bobConn {
		t.Fatalf("expected one receive-message to bob, got %+v", msgs)
	}
	payload, ok := msgs[0].payload.(v1.MessagePayload)
	if !ok || payload.ID != out.ID || payload.Receiver == nil || payload.Receiver.AvatarURL != "avatars/bob.png" {
		t.Fatalf("unexpected receive-message payload: %+v", msgs[0].payload)
	}

	notes := f.delivery.events(v1.TypeReceiveNotification)
	if len(notes) != 1 {
		t.Fatalf("expected one receive-notification, got %d", len(notes))
	}
	np := notes[0].payload.(v1.NotificationPayload)
	if np.RecipientID != "bob" || np.Notification.MessageID != out.ID || np.Notification.ActorID != "alice" {
		t.Fatalf("unexpected notification payload: %+v", np)
	}

	if len(pub.got) != 1 || pub.got[0].RecipientID != "bob" {
		t.Fatalf("expected one published notification, got %+v", pub.got)
	}
}

func TestSendMessage_NotificationFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	dir := identity.NewMemoryStore()
	dir.Put(identity.User{ID: "alice"})
	dir.Put(identity.User{ID: "bob"})

	store := NewMemoryStore()
	delivery := newFakeDelivery()
	delivery.connect("bob")

	svc, err := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), store, failingNotes{}, dir, delivery)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if _, err := svc.SendMessage(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Text: "hi"}); err != nil {
		t.Fatalf("SendMessage should succeed despite notification failure: %v", err)
	}
	if n := len(delivery.events(v1.TypeReceiveMessage)); n != 1 {
		t.Fatalf("expected message push, got %d", n)
	}
}

func TestMarkConversationRead_IdempotentReceipt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	aliceConn := f.delivery.connect("alice")

	ctx := context.Background()
	for _, text := range []string{"one", "two"} {
		if _, err := f.svc.SendMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Text: text}); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}
	// A message in the other direction must not be touched by bob's read.
	if _, err := f.svc.SendMessage(ctx, SendInput{SenderID: "bob", ReceiverID: "alice", Text: "reply"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	f.delivery.mu.Lock()
	f.delivery.pushes = nil
	f.delivery.mu.Unlock()

	n, err := f.svc.MarkConversationRead(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if n != 2 {
		t.Fatalf("modified=%d want 2", n)
	}

	n, err = f.svc.MarkConversationRead(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("MarkConversationRead (repeat): %v", err)
	}
	if n != 0 {
		t.Fatalf("repeat modified=%d want 0", n)
	}

	receipts := f.delivery.events(v1.TypeMessagesRead)
	if len(receipts) != 1 {
		t.Fatalf("expected exactly one messages-read, got %d", len(receipts))
	}
	if receipts[0].conn != aliceConn {
		t.Fatalf("receipt must go to the original sender")
	}
	p := receipts[0].payload.(v1.MessagesReadPayload)
	if p.SenderID != "alice" || p.ReadBy != "bob" {
		t.Fatalf("unexpected receipt payload: %+v", p)
	}

	msgs, _ := f.store.ListConversation(ctx, "bob", "alice")
	for _, m := range msgs {
		switch m.SenderID {
		case "alice":
			if !m.IsRead || m.ReadAt == nil || !m.ReadAt.Equal(now) {
				t.Fatalf("alice's message not marked read: %+v", m)
			}
		case "bob":
			if m.IsRead {
				t.Fatalf("bob's own message must stay unread: %+v", m)
			}
		}
	}
}

func TestDeleteMessage_TwoPartyRule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	sent, err := f.svc.SendMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Text: "secret"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if _, err := f.svc.DeleteMessage(ctx, "carol", sent.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-participant delete err=%v want ErrForbidden", err)
	}
	if _, err := f.svc.DeleteMessage(ctx, "alice", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err=%v want ErrNotFound", err)
	}

	m, err := f.svc.DeleteMessage(ctx, "alice", sent.ID)
	if err != nil {
		t.Fatalf("DeleteMessage alice: %v", err)
	}
	if m.IsDeleted {
		t.Fatalf("one-sided delete must not fully delete")
	}

	aliceView, _ := f.svc.ListMessages(ctx, "alice", "bob")
	bobView, _ := f.svc.ListMessages(ctx, "bob", "alice")
	if len(aliceView) != 0 || len(bobView) != 1 {
		t.Fatalf("after alice deletes: alice sees %d, bob sees %d", len(aliceView), len(bobView))
	}

	m, err = f.svc.DeleteMessage(ctx, "bob", sent.ID)
	if err != nil {
		t.Fatalf("DeleteMessage bob: %v", err)
	}
	if !m.IsDeleted {
		t.Fatalf("expected IsDeleted after both participants deleted")
	}
	if bobView, _ = f.svc.ListMessages(ctx, "bob", "alice"); len(bobView) != 0 {
		t.Fatalf("fully deleted message still visible to bob")
	}
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	for _, in := range []SendInput{
		{SenderID: "alice", ReceiverID: "bob", Text: "1"},
		{SenderID: "bob", ReceiverID: "alice", Text: "2"},
		{SenderID: "alice", ReceiverID: "carol", Text: "3"},
	} {
		if _, err := f.svc.SendMessage(ctx, in); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}

	n, err := f.svc.DeleteConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if n != 2 {
		t.Fatalf("affected=%d want 2", n)
	}
	// Deleting again affects nothing.
	if n, _ = f.svc.DeleteConversation(ctx, "alice", "bob"); n != 0 {
		t.Fatalf("repeat affected=%d want 0", n)
	}

	convs, err := f.svc.Conversations(ctx, "alice")
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].Counterpart.ID != "carol" {
		t.Fatalf("expected only the carol conversation, got %+v", convs)
	}
}

func TestConversations_SummaryAndOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	send := func(from, to, text string) {
		t.Helper()
		if _, err := f.svc.SendMessage(ctx, SendInput{SenderID: from, ReceiverID: to, Text: text}); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		// Keep created_at strictly increasing for a deterministic order.
		time.Sleep(2 * time.Millisecond)
	}

	send("bob", "alice", "b1")
	send("bob", "alice", "b2")
	send("carol", "alice", "c1")
	send("alice", "bob", "a1")

	convs, err := f.svc.Conversations(ctx, "alice")
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}

	if convs[0].Counterpart.ID != "bob" || convs[0].LastMessage.Text != "a1" {
		t.Fatalf("expected bob conversation first with last=a1, got %+v", convs[0])
	}
	if convs[0].UnreadCount != 2 {
		t.Fatalf("bob unread=%d want 2", convs[0].UnreadCount)
	}
	if convs[0].Counterpart.DisplayName != "Bob" {
		t.Fatalf("expected counterpart display info, got %+v", convs[0].Counterpart)
	}
	if convs[1].Counterpart.ID != "carol" || convs[1].UnreadCount != 1 {
		t.Fatalf("unexpected carol conversation: %+v", convs[1])
	}
}

func TestListMessages_AscendingWithDisplayInfo(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	for i, text := range []string{"first", "second", "third"} {
		from, to := "alice", "bob"
		if i%2 == 1 {
			from, to = to, from
		}
		if _, err := f.svc.SendMessage(ctx, SendInput{SenderID: from, ReceiverID: to, Text: text}); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	out, err := f.svc.ListMessages(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(out) != 3 || out[0].Text != "first" || out[2].Text != "third" {
		t.Fatalf("unexpected order: %+v", out)
	}
	if out[1].Sender == nil || out[1].Sender.ID != "bob" || out[1].Receiver.ID != "alice" {
		t.Fatalf("unexpected participants on reply: %+v", out[1])
	}
}
