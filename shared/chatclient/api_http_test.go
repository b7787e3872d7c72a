package chatclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPAPI_RequestsAndEnvelopes(t *testing.T) {
	t.Parallel()

	type call struct {
		method, path, user, auth string
		body                     map[string]string
	}
	calls := make(chan call, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := call{method: r.Method, path: r.URL.Path, user: r.Header.Get("X-User-ID"), auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			if len(raw) > 0 {
				_ = json.Unmarshal(raw, &c.body)
			}
		}
		calls <- c

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/messages/bob":
			_, _ = io.WriteString(w, `{"success":true,"data":[{"id":"m1","senderId":"bob","receiverId":"alice","content":"hi","createdAt":"2026-03-01T12:00:00Z","isRead":false}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/messages":
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"success":true,"data":{"id":"m2","senderId":"alice","receiverId":"bob","content":"yo","createdAt":"2026-03-01T12:00:01Z","isRead":false}}`)
		case r.Method == http.MethodPut && r.URL.Path == "/messages/bob/read":
			_, _ = io.WriteString(w, `{"success":true,"count":3}`)
		case r.Method == http.MethodGet && r.URL.Path == "/presence/online":
			_, _ = io.WriteString(w, `{"success":true,"data":["alice","bob"]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"success":false,"message":"receiver zed"}`)
		}
	}))
	defer srv.Close()

	api, err := NewHTTPAPI(srv.URL+"/", WithDevUserID("alice"), WithBearerToken("tok"))
	require.NoError(t, err)
	ctx := context.Background()

	msgs, err := api.FetchMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Text)
	c := <-calls
	require.Equal(t, "alice", c.user)
	require.Equal(t, "Bearer tok", c.auth)

	m, err := api.SendMessage(ctx, "bob", "yo", "")
	require.NoError(t, err)
	require.Equal(t, "m2", m.ID)
	c = <-calls
	require.Equal(t, map[string]string{"receiver": "bob", "content": "yo"}, c.body)

	n, err := api.MarkRead(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	<-calls

	online, err := api.OnlineUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, online)
	<-calls

	_, err = api.DeleteConversation(ctx, "zed")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "receiver zed", apiErr.Message)
}

func TestNewHTTPAPI_RejectsBadScheme(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPAPI("ws://127.0.0.1:8080")
	require.Error(t, err)
}
