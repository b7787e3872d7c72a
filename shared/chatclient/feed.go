package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	feedReadLimit    = 1 << 20 // 1 MiB
	feedWriteTimeout = 5 * time.Second
)

// FeedOptions configures Dial. All callbacks are optional and run on the read goroutine.
type FeedOptions struct {
	Token  string
	Origin string
	Log    *slog.Logger

	OnPresence     func(userID string, online bool)
	OnTyping       func(userID string, isTyping bool)
	OnNotification func(n v1.Notification)
	OnError        func(p v1.ErrorPayload)
}

// Feed is one identified realtime connection feeding a Store.
type Feed struct {
	conn  *websocket.Conn
	store *Store
	opts  FeedOptions
	log   *slog.Logger

	mu     sync.RWMutex
	online map[string]struct{}
}

// Dial connects to wsURL, negotiates the v1 subprotocol and identifies as store.SelfID().
func Dial(ctx context.Context, wsURL string, store *Store, opts FeedOptions) (*Feed, error) {
	if store == nil {
		return nil, errors.New("chatclient: nil store")
	}

	h := http.Header{}
	if strings.TrimSpace(opts.Origin) != "" {
		h.Set("Origin", opts.Origin)
	}
	if strings.TrimSpace(opts.Token) != "" {
		h.Set("Authorization", "Bearer "+strings.TrimSpace(opts.Token))
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}
	conn.SetReadLimit(feedReadLimit)

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	f := &Feed{
		conn:   conn,
		store:  store,
		opts:   opts,
		log:    log,
		online: make(map[string]struct{}),
	}

	if err := f.write(ctx, v1.TypeIdentify, v1.IdentifyPayload{UserID: store.SelfID()}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "identify failed")
		return nil, fmt.Errorf("identify: %w", err)
	}
	return f, nil
}

// Run reads events until the connection closes or ctx is done. A normal close returns nil.
func (f *Feed) Run(ctx context.Context) error {
	for {
		_, data, err := f.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return err
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			f.log.Info("chatclient.feed.bad_json", "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			f.log.Info("chatclient.feed.bad_envelope", "err", err)
			continue
		}
		f.handle(env)
	}
}

// Typing sends a typing indicator to recipientID.
func (f *Feed) Typing(ctx context.Context, recipientID string, isTyping bool) error {
	return f.write(ctx, v1.TypeTyping, v1.TypingPayload{RecipientID: recipientID, IsTyping: isTyping})
}

// GoingOffline announces that the user is leaving without closing the connection.
func (f *Feed) GoingOffline(ctx context.Context) error {
	return f.write(ctx, v1.TypeGoingOffline, v1.IdentifyPayload{UserID: f.store.SelfID()})
}

// Close closes the connection normally.
func (f *Feed) Close() error {
	return f.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Online returns the sorted ids currently known to be online.
func (f *Feed) Online() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.online))
	for id := range f.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether userID is currently known to be online.
func (f *Feed) IsOnline(userID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.online[userID]
	return ok
}

func (f *Feed) handle(env v1.Envelope) {
	switch env.Type {
	case v1.TypeReceiveMessage:
		var p v1.MessagePayload
		if f.decode(env, &p) {
			f.store.ApplyReceived(p)
		}
	case v1.TypeMessagesRead:
		var p v1.MessagesReadPayload
		if f.decode(env, &p) {
			f.store.ApplyMessagesRead(p)
		}
	case v1.TypeOnlineUsersSnapshot:
		var p v1.OnlineUsersSnapshotPayload
		if f.decode(env, &p) {
			f.mu.Lock()
			f.online = make(map[string]struct{}, len(p.UserIDs))
			for _, id := range p.UserIDs {
				f.online[id] = struct{}{}
			}
			f.mu.Unlock()
		}
	case v1.TypePresenceChanged:
		var p v1.PresenceChangedPayload
		if !f.decode(env, &p) {
			return
		}
		online := p.Status == v1.StatusOnline
		f.mu.Lock()
		if online {
			f.online[p.UserID] = struct{}{}
		} else {
			delete(f.online, p.UserID)
		}
		f.mu.Unlock()
		if f.opts.OnPresence != nil {
			f.opts.OnPresence(p.UserID, online)
		}
	case v1.TypeTypingChanged:
		var p v1.TypingChangedPayload
		if f.decode(env, &p) && f.opts.OnTyping != nil {
			f.opts.OnTyping(p.UserID, p.IsTyping)
		}
	case v1.TypeReceiveNotification:
		var p v1.NotificationPayload
		if f.decode(env, &p) && f.opts.OnNotification != nil {
			f.opts.OnNotification(p.Notification)
		}
	case v1.TypeError:
		var p v1.ErrorPayload
		if f.decode(env, &p) {
			f.log.Info("chatclient.feed.server_error", "code", p.Code, "message", p.Message)
			if f.opts.OnError != nil {
				f.opts.OnError(p)
			}
		}
	}
}

func (f *Feed) decode(env v1.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		f.log.Info("chatclient.feed.bad_payload", "type", env.Type, "err", err)
		return false
	}
	return true
}

func (f *Feed) write(ctx context.Context, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return f.conn.Write(ctx, websocket.MessageText, data)
}
