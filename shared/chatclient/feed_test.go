package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func writeEnv(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func TestFeed_RoutesEventsIntoStore(t *testing.T) {
	t.Parallel()

	identified := make(chan v1.IdentifyPayload, 1)
	gotAuth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
		if err != nil {
			return
		}
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env v1.Envelope
		_ = json.Unmarshal(data, &env)
		var p v1.IdentifyPayload
		_ = json.Unmarshal(env.Payload, &p)
		if env.Type == v1.TypeIdentify {
			identified <- p
		}

		_ = writeEnv(ctx, conn, v1.TypeOnlineUsersSnapshot, v1.OnlineUsersSnapshotPayload{UserIDs: []string{"alice", "bob"}})
		_ = writeEnv(ctx, conn, v1.TypePresenceChanged, v1.PresenceChangedPayload{UserID: "carol", Status: v1.StatusOnline})
		_ = writeEnv(ctx, conn, v1.TypePresenceChanged, v1.PresenceChangedPayload{UserID: "bob", Status: v1.StatusOffline})
		_ = writeEnv(ctx, conn, v1.TypeReceiveMessage, msg("m9", "bob", "alice", "pushed", testNow))
		_ = writeEnv(ctx, conn, v1.TypeMessagesRead, v1.MessagesReadPayload{SenderID: "alice", ReadBy: "bob"})
		_ = writeEnv(ctx, conn, v1.TypeTypingChanged, v1.TypingChangedPayload{UserID: "bob", IsTyping: true})
		_ = writeEnv(ctx, conn, v1.TypeReceiveNotification, v1.NotificationPayload{
			RecipientID:  "alice",
			Notification: v1.Notification{ID: "n1", RecipientID: "alice", Kind: "message"},
		})
		_ = writeEnv(ctx, conn, v1.TypeError, v1.ErrorPayload{Code: "rate_limited", Message: "slow down"})
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	api := newFakeAPI(testNow)
	api.set("bob", msg("m1", "alice", "bob", "sent earlier", testNow.Add(-time.Minute)))
	store := newTestStore(t, api)
	_, err := store.LoadMessages(context.Background(), "bob")
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		presence []string
		typing   []string
		notes    []string
		errs     []string
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), store, FeedOptions{
		Token: "tok-123",
		OnPresence: func(userID string, online bool) {
			mu.Lock()
			defer mu.Unlock()
			if online {
				presence = append(presence, userID+":online")
			} else {
				presence = append(presence, userID+":offline")
			}
		},
		OnTyping: func(userID string, isTyping bool) {
			mu.Lock()
			defer mu.Unlock()
			if isTyping {
				typing = append(typing, userID)
			}
		},
		OnNotification: func(n v1.Notification) {
			mu.Lock()
			defer mu.Unlock()
			notes = append(notes, n.ID)
		},
		OnError: func(p v1.ErrorPayload) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, p.Code)
		},
	})
	require.NoError(t, err)

	require.Equal(t, "Bearer tok-123", <-gotAuth)
	require.Equal(t, v1.IdentifyPayload{UserID: "alice"}, <-identified)

	require.NoError(t, feed.Run(ctx))

	require.Equal(t, []string{"alice", "carol"}, feed.Online())
	require.False(t, feed.IsOnline("bob"))

	got := store.Messages("bob")
	require.Len(t, got, 2)
	require.True(t, got[0].Message.IsRead, "messages-read flips the earlier sent message")
	require.Equal(t, "m9", got[1].Key())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"carol:online", "bob:offline"}, presence)
	require.Equal(t, []string{"bob"}, typing)
	require.Equal(t, []string{"n1"}, notes)
	require.Equal(t, []string{"rate_limited"}, errs)
}

func TestFeed_RejectsMissingSubprotocol(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	store := newTestStore(t, newFakeAPI(testNow))
	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), store, FeedOptions{})
	require.Error(t, err)
}
