package realtime

import (
	"sync"

	v1 "relay/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session (the connection handle).
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	// subject is the authenticated token subject ("" when auth is disabled).
	subject string

	mu     sync.RWMutex
	userID string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID, subject string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		subject:   subject,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// UserID returns the identified user ("" before identify).
func (c *Client) UserID() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Subject returns the authenticated token subject, if any.
func (c *Client) Subject() string {
	if c == nil {
		return ""
	}
	return c.subject
}

func (c *Client) setUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// clearUserID resets the identity only if it still equals userID.
func (c *Client) clearUserID(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != userID {
		return false
	}
	c.userID = ""
	return true
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// trySend enqueues env without blocking. It reports false when the client is closing
// or its queue is full.
func (c *Client) trySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.done:
		return false
	case c.Send <- env:
		return true
	default:
		return false
	}
}
