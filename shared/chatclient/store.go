package chatclient

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "relay/shared/contracts/realtime/v1"
)

const (
	defaultMatchTolerance = 10 * time.Second
	defaultReadDelay      = 300 * time.Millisecond
	backgroundTimeout     = 10 * time.Second
)

// API is the server surface the Store depends on. HTTPAPI implements it.
type API interface {
	FetchMessages(ctx context.Context, counterpartID string) ([]v1.MessagePayload, error)
	SendMessage(ctx context.Context, receiverID, text, imageRef string) (v1.MessagePayload, error)
	MarkRead(ctx context.Context, counterpartID string) (int64, error)
}

type conversation struct {
	entries      []Entry
	lastSyncedAt time.Time
}

// Store is a per-session cache of conversations for one signed-in user.
//
// Caches are advisory: a missed push is repaired by the next background refresh.
// OnChange runs without the lock held and may call back into the Store.
type Store struct {
	api    API
	selfID string
	log    *slog.Logger

	onChange  func(counterpartID string)
	now       func() time.Time
	tolerance time.Duration
	readDelay time.Duration

	mu        sync.Mutex
	convs     map[string]*conversation
	visible   bool
	active    string
	readTimer *time.Timer
	closed    bool

	// wg.Add only happens under mu while !closed, so it never races Close's Wait.
	wg sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithOnChange registers a callback fired after a conversation's list changes.
func WithOnChange(fn func(counterpartID string)) Option {
	return func(s *Store) { s.onChange = fn }
}

// WithMatchTolerance sets how far apart optimistic and confirmed timestamps may be.
func WithMatchTolerance(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.tolerance = d
		}
	}
}

// WithReadDelay sets the stabilizing delay before a mark-read call fires.
func WithReadDelay(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.readDelay = d
		}
	}
}

// WithLogger overrides slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides time.Now for optimistic timestamps (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs an empty Store for selfID.
func NewStore(api API, selfID string, opts ...Option) (*Store, error) {
	if api == nil {
		return nil, errors.New("chatclient: nil api")
	}
	selfID = strings.TrimSpace(selfID)
	if selfID == "" {
		return nil, errors.New("chatclient: empty self id")
	}
	s := &Store{
		api:       api,
		selfID:    selfID,
		log:       slog.Default(),
		now:       time.Now,
		tolerance: defaultMatchTolerance,
		readDelay: defaultReadDelay,
		convs:     make(map[string]*conversation),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SelfID returns the signed-in user id.
func (s *Store) SelfID() string { return s.selfID }

// Messages returns a copy of the cached list for counterpartID (nil when not cached).
func (s *Store) Messages(counterpartID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[counterpartID]
	if c == nil {
		return nil
	}
	return slices.Clone(c.entries)
}

// LoadMessages returns the cached list immediately and refreshes it in the background.
// Without a cache entry it fetches synchronously and, when the conversation is open and
// visible, schedules a mark-read.
func (s *Store) LoadMessages(ctx context.Context, counterpartID string) ([]Entry, error) {
	s.mu.Lock()
	c := s.convs[counterpartID]
	if c != nil {
		out := slices.Clone(c.entries)
		if s.closed {
			s.mu.Unlock()
			return out, nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
			defer cancel()
			s.refresh(bg, counterpartID)
		}()
		return out, nil
	}
	s.mu.Unlock()

	msgs, err := s.api.FetchMessages(ctx, counterpartID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	c = s.convs[counterpartID]
	if c == nil {
		c = &conversation{}
		s.convs[counterpartID] = c
	}
	// Keep pushes or optimistic sends that landed while fetching.
	c.entries = mergeFetched(c.entries, msgs, s.tolerance)
	c.lastSyncedAt = s.now()
	out := slices.Clone(c.entries)
	if s.visible && s.active == counterpartID {
		s.scheduleMarkReadLocked(counterpartID)
	}
	s.mu.Unlock()

	s.changed(counterpartID)
	return out, nil
}

// OpenConversation makes counterpartID the active conversation and loads it. When the
// surface is visible a mark-read is scheduled.
func (s *Store) OpenConversation(ctx context.Context, counterpartID string) ([]Entry, error) {
	s.mu.Lock()
	if s.active != counterpartID {
		s.stopReadTimerLocked()
	}
	s.active = counterpartID
	cached := s.convs[counterpartID] != nil
	if cached && s.visible {
		s.scheduleMarkReadLocked(counterpartID)
	}
	s.mu.Unlock()

	return s.LoadMessages(ctx, counterpartID)
}

// SetVisible records whether the owning surface is in the foreground. Mark-read calls
// are suppressed while hidden and scheduled when the surface becomes visible.
func (s *Store) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.visible
	s.visible = visible
	switch {
	case !visible:
		s.stopReadTimerLocked()
	case !was && s.active != "":
		s.scheduleMarkReadLocked(s.active)
	}
}

// SendOptimistic inserts a Pending entry, sends it and reconciles the result. It blocks on
// the network call; UIs run it off their render path and observe the Pending entry through
// OnChange.
//
// On failure the Pending entry is removed and a Failed entry is returned; its Draft holds
// the input to restore.
func (s *Store) SendOptimistic(ctx context.Context, counterpartID, text, imageRef string) (Entry, error) {
	pending := newPendingEntry(s.selfID, counterpartID, text, imageRef, s.now().UTC())

	s.mu.Lock()
	c := s.convs[counterpartID]
	if c == nil {
		c = &conversation{}
		s.convs[counterpartID] = c
	}
	c.entries = append(c.entries, pending)
	s.mu.Unlock()
	s.changed(counterpartID)

	msg, err := s.api.SendMessage(ctx, counterpartID, text, imageRef)
	if err != nil {
		s.mu.Lock()
		c.entries = slices.DeleteFunc(c.entries, func(e Entry) bool {
			return e.State == StatePending && e.LocalID == pending.LocalID
		})
		s.mu.Unlock()
		s.changed(counterpartID)

		s.log.Info("chatclient.send.fail", "receiver_id", counterpartID, "err", err)
		failed := pending
		failed.State = StateFailed
		failed.Message.Text = text
		failed.Message.ImageRef = imageRef
		return failed, err
	}

	s.apply(counterpartID, msg, pending.LocalID)
	return confirmedEntry(msg), nil
}

// ApplyReceived merges a pushed receive-message event. Known ids are ignored; a matching
// Pending entry is replaced in place; anything else is appended. Conversations that were
// never loaded are left alone; the next load fetches the message.
func (s *Store) ApplyReceived(msg v1.MessagePayload) {
	counterpart := msg.ReceiverID
	if msg.ReceiverID == s.selfID {
		counterpart = msg.SenderID
	}
	s.apply(counterpart, msg, "")
}

// ApplyMessagesRead flips every confirmed message the local user sent to p.ReadBy to read.
// The event covers all earlier messages, not only the newest.
func (s *Store) ApplyMessagesRead(p v1.MessagesReadPayload) {
	if p.SenderID != s.selfID {
		return
	}

	s.mu.Lock()
	c := s.convs[p.ReadBy]
	if c == nil {
		s.mu.Unlock()
		return
	}
	changed := false
	for i := range c.entries {
		m := &c.entries[i].Message
		if c.entries[i].State == StateConfirmed && m.SenderID == s.selfID && !m.IsRead {
			m.IsRead = true
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.changed(p.ReadBy)
	}
}

// Wait blocks until background refreshes and scheduled mark-read calls finish.
func (s *Store) Wait() { s.wg.Wait() }

// Close cancels any scheduled mark-read and waits for background work. After Close the
// cache stays readable and pushes still merge, but no background work is scheduled.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopReadTimerLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

// apply reconciles one confirmed message. localID, when set, names the Pending entry to
// replace directly (the sender's own confirmed response).
func (s *Store) apply(counterpartID string, msg v1.MessagePayload, localID string) {
	s.mu.Lock()
	c := s.convs[counterpartID]
	if c == nil {
		s.mu.Unlock()
		return
	}

	if slices.ContainsFunc(c.entries, func(e Entry) bool {
		return e.State == StateConfirmed && e.Message.ID == msg.ID
	}) {
		// Already confirmed; drop the local copy if one is still pending.
		n := len(c.entries)
		if localID != "" {
			c.entries = slices.DeleteFunc(c.entries, func(e Entry) bool {
				return e.State == StatePending && e.LocalID == localID
			})
		}
		removed := len(c.entries) != n
		s.mu.Unlock()
		if removed {
			s.changed(counterpartID)
		}
		return
	}

	idx := -1
	for i, e := range c.entries {
		if e.State != StatePending {
			continue
		}
		if (localID != "" && e.LocalID == localID) || (localID == "" && matchesPending(e, msg, s.tolerance)) {
			idx = i
			break
		}
	}

	entry := confirmedEntry(msg)
	if idx >= 0 {
		entry.LocalID = c.entries[idx].LocalID
		c.entries[idx] = entry
	} else {
		c.entries = append(c.entries, entry)
	}

	if msg.ReceiverID == s.selfID && !msg.IsRead && s.visible && s.active == counterpartID {
		s.scheduleMarkReadLocked(counterpartID)
	}
	s.mu.Unlock()

	s.changed(counterpartID)
}

func (s *Store) refresh(ctx context.Context, counterpartID string) {
	msgs, err := s.api.FetchMessages(ctx, counterpartID)
	if err != nil {
		s.log.Info("chatclient.refresh.fail", "counterpart_id", counterpartID, "err", err)
		return
	}

	s.mu.Lock()
	c := s.convs[counterpartID]
	if c == nil {
		s.mu.Unlock()
		return
	}
	merged := mergeFetched(c.entries, msgs, s.tolerance)
	same := slices.EqualFunc(merged, c.entries, entriesEqual)
	c.entries = merged
	c.lastSyncedAt = s.now()
	s.mu.Unlock()

	if !same {
		s.changed(counterpartID)
	}
}

// mergeFetched replaces the confirmed part of cur with fetched and keeps Pending entries
// that no fetched message confirms.
func mergeFetched(cur []Entry, fetched []v1.MessagePayload, tolerance time.Duration) []Entry {
	out := make([]Entry, 0, len(fetched)+1)
	for _, m := range fetched {
		out = append(out, confirmedEntry(m))
	}
	for _, e := range cur {
		if e.State != StatePending {
			continue
		}
		if slices.ContainsFunc(fetched, func(m v1.MessagePayload) bool { return matchesPending(e, m, tolerance) }) {
			continue
		}
		out = append(out, e)
	}
	// Confirmed entries that replaced a pending one keep their local display key.
	for i := range out {
		if out[i].State != StateConfirmed {
			continue
		}
		for _, e := range cur {
			if e.State == StateConfirmed && e.Message.ID == out[i].Message.ID {
				out[i].LocalID = e.LocalID
				break
			}
		}
	}
	return out
}

func entriesEqual(a, b Entry) bool {
	if a.State != b.State || a.LocalID != b.LocalID {
		return false
	}
	x, y := a.Message, b.Message
	return x.ID == y.ID &&
		x.SenderID == y.SenderID &&
		x.ReceiverID == y.ReceiverID &&
		x.Text == y.Text &&
		x.ImageRef == y.ImageRef &&
		x.CreatedAt.Equal(y.CreatedAt) &&
		x.IsRead == y.IsRead
}

func (s *Store) scheduleMarkReadLocked(counterpartID string) {
	s.stopReadTimerLocked()
	if s.closed {
		return
	}
	s.wg.Add(1)
	s.readTimer = time.AfterFunc(s.readDelay, func() {
		defer s.wg.Done()
		s.markRead(counterpartID)
	})
}

func (s *Store) stopReadTimerLocked() {
	if s.readTimer != nil && s.readTimer.Stop() {
		s.wg.Done()
	}
	s.readTimer = nil
}

func (s *Store) markRead(counterpartID string) {
	s.mu.Lock()
	ok := s.visible && s.active == counterpartID
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	if _, err := s.api.MarkRead(ctx, counterpartID); err != nil {
		s.log.Info("chatclient.mark_read.fail", "counterpart_id", counterpartID, "err", err)
		return
	}

	s.mu.Lock()
	changed := false
	if c := s.convs[counterpartID]; c != nil {
		for i := range c.entries {
			m := &c.entries[i].Message
			if m.ReceiverID == s.selfID && !m.IsRead {
				m.IsRead = true
				changed = true
			}
		}
	}
	s.mu.Unlock()

	if changed {
		s.changed(counterpartID)
	}
}

func (s *Store) changed(counterpartID string) {
	if s.onChange != nil {
		s.onChange(counterpartID)
	}
}
