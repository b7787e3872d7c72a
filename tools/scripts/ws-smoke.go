// Package main provides a CI-friendly end-to-end smoke test for a running Relay server.
//
// It validates:
//   - handshake + subprotocol selection, identify and presence broadcast
//   - optimistic send over REST reconciled into a single confirmed entry
//   - receive-message push to the online receiver
//   - mark-read on open conversation and the messages-read receipt to the sender
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"relay/shared/chatclient"
	v1 "relay/shared/contracts/realtime/v1"
)

type smokeUser struct {
	name  string
	store *chatclient.Store
	feed  *chatclient.Feed
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "Server base URL (REST)")
		wsURL   = flag.String("url", "", "WebSocket URL (default: derived from -base)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("a", "smoke-alice", "Sender user id")
		userB   = flag.String("b", "smoke-bob", "Receiver user id")
		tokenA  = flag.String("token-a", "", "Bearer token for -a (default: X-User-ID dev header)")
		tokenB  = flag.String("token-b", "", "Bearer token for -b (default: X-User-ID dev header)")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if strings.TrimSpace(*wsURL) == "" {
		*wsURL = wsBaseURL(*baseURL) + "/ws"
	}
	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := mustConnect(root, log, *userA, *tokenA, *baseURL, *wsURL, *origin, *timeout)
	defer func() { _ = a.feed.Close() }()
	b := mustConnect(root, log, *userB, *tokenB, *baseURL, *wsURL, *origin, *timeout)
	defer func() { _ = b.feed.Close() }()

	mustWait(a, *timeout, "A sees B online", func() bool { return a.feed.IsOnline(b.name) })
	if *verbose {
		fmt.Printf("connected: A=%s B=%s online(A view)=%v\n", a.name, b.name, a.feed.Online())
	}

	// B caches the conversation first so the push has somewhere to land.
	mustLoad(root, b, a.name, *timeout)
	mustLoad(root, a, b.name, *timeout)

	sendCtx, sendCancel := context.WithTimeout(root, *timeout)
	sent, err := a.store.SendOptimistic(sendCtx, b.name, *text, "")
	sendCancel()
	if err != nil {
		fatalf("send: %v (draft=%+v)", err, sent.Draft())
	}
	if sent.State != chatclient.StateConfirmed || strings.TrimSpace(sent.Message.ID) == "" {
		fatalf("send: unexpected entry %+v", sent)
	}

	mustWait(a, *timeout, "A has exactly one confirmed copy", func() bool {
		n := 0
		for _, e := range a.store.Messages(b.name) {
			if e.Message.ID == sent.Message.ID && e.State == chatclient.StateConfirmed {
				n++
			}
			if e.State == chatclient.StatePending {
				return false
			}
		}
		return n == 1
	})

	mustWait(b, *timeout, "B receives the push", func() bool {
		for _, e := range b.store.Messages(a.name) {
			if e.Message.ID == sent.Message.ID {
				return true
			}
		}
		return false
	})

	// B opens the conversation in the foreground: mark-read fires, A gets messages-read.
	b.store.SetVisible(true)
	openCtx, openCancel := context.WithTimeout(root, *timeout)
	if _, err := b.store.OpenConversation(openCtx, a.name); err != nil {
		fatalf("open conversation: %v", err)
	}
	openCancel()

	mustWait(a, *timeout, "A sees the read receipt", func() bool {
		for _, e := range a.store.Messages(b.name) {
			if e.Message.ID == sent.Message.ID {
				return e.Message.IsRead
			}
		}
		return false
	})

	b.store.Close()
	a.store.Close()

	fmt.Printf("OK: A=%s B=%s message_id=%s\n", a.name, b.name, sent.Message.ID)
}

func mustConnect(parent context.Context, log *slog.Logger, userID, token, baseURL, wsURL, origin string, stepTimeout time.Duration) *smokeUser {
	opts := []chatclient.HTTPOption{chatclient.WithDevUserID(userID)}
	if token != "" {
		opts = []chatclient.HTTPOption{chatclient.WithBearerToken(token)}
	}
	api, err := chatclient.NewHTTPAPI(baseURL, opts...)
	if err != nil {
		fatalf("api %s: %v", userID, err)
	}
	store, err := chatclient.NewStore(api, userID, chatclient.WithLogger(log))
	if err != nil {
		fatalf("store %s: %v", userID, err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	feed, err := chatclient.Dial(ctx, wsURL, store, chatclient.FeedOptions{
		Token:  token,
		Origin: origin,
		Log:    log,
		OnError: func(p v1.ErrorPayload) {
			log.Warn("smoke.server_error", "user", userID, "code", p.Code, "message", p.Message)
		},
	})
	if err != nil {
		fatalf("connect %s: %v", userID, err)
	}

	u := &smokeUser{name: userID, store: store, feed: feed, errCh: make(chan error, 1)}
	go func() { u.errCh <- feed.Run(parent) }()
	return u
}

func mustLoad(parent context.Context, u *smokeUser, counterpartID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if _, err := u.store.LoadMessages(ctx, counterpartID); err != nil {
		fatalf("load %s<->%s: %v", u.name, counterpartID, err)
	}
}

func mustWait(u *smokeUser, stepTimeout time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		select {
		case err := <-u.errCh:
			if err == nil {
				err = errors.New("connection closed")
			}
			fatalf("%s: feed %s stopped: %v", what, u.name, err)
		case <-time.After(25 * time.Millisecond):
		}
	}
	fatalf("%s: timed out after %s", what, stepTimeout)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(strings.TrimRight(base, "/"), "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(strings.TrimRight(base, "/"), "http://")
	default:
		return "ws://" + strings.TrimRight(base, "/")
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
