package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "relay/shared/contracts/realtime/v1"
)

const maxResponseBytes = 4 << 20

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay api: status %d: %s", e.Status, e.Message)
}

// HTTPAPI calls the Relay REST surface. It implements API.
type HTTPAPI struct {
	base      *url.URL
	client    *http.Client
	token     string
	devUserID string
}

// HTTPOption configures an HTTPAPI.
type HTTPOption func(*HTTPAPI)

// WithBearerToken authenticates every request with token.
func WithBearerToken(token string) HTTPOption {
	return func(a *HTTPAPI) { a.token = strings.TrimSpace(token) }
}

// WithDevUserID sends X-User-ID (servers with the dev header enabled only).
func WithDevUserID(userID string) HTTPOption {
	return func(a *HTTPAPI) { a.devUserID = strings.TrimSpace(userID) }
}

// WithHTTPClient overrides the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAPI) {
		if c != nil {
			a.client = c
		}
	}
}

// NewHTTPAPI returns a client for the server at baseURL (for example http://127.0.0.1:8080).
func NewHTTPAPI(baseURL string, opts ...HTTPOption) (*HTTPAPI, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("chatclient: base url must be http or https")
	}
	a := &HTTPAPI{base: u, client: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// FetchMessages returns the caller's conversation with counterpartID, oldest first.
func (a *HTTPAPI) FetchMessages(ctx context.Context, counterpartID string) ([]v1.MessagePayload, error) {
	var out []v1.MessagePayload
	err := a.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(counterpartID), nil, &out, nil)
	return out, err
}

// SendMessage posts one message and returns the persisted copy.
func (a *HTTPAPI) SendMessage(ctx context.Context, receiverID, text, imageRef string) (v1.MessagePayload, error) {
	body := map[string]string{"receiver": receiverID}
	if text != "" {
		body["content"] = text
	}
	if imageRef != "" {
		body["image"] = imageRef
	}
	var out v1.MessagePayload
	err := a.do(ctx, http.MethodPost, "/messages", body, &out, nil)
	return out, err
}

// MarkRead marks everything counterpartID sent to the caller as read.
func (a *HTTPAPI) MarkRead(ctx context.Context, counterpartID string) (int64, error) {
	var n int64
	err := a.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(counterpartID)+"/read", nil, nil, &n)
	return n, err
}

// DeleteConversation hides the conversation with counterpartID for the caller.
func (a *HTTPAPI) DeleteConversation(ctx context.Context, counterpartID string) (int64, error) {
	var n int64
	err := a.do(ctx, http.MethodDelete, "/messages/conversation/"+url.PathEscape(counterpartID), nil, nil, &n)
	return n, err
}

// OnlineUsers returns the ids the server currently considers online.
func (a *HTTPAPI) OnlineUsers(ctx context.Context) ([]string, error) {
	var out []string
	err := a.do(ctx, http.MethodGet, "/presence/online", nil, &out, nil)
	return out, err
}

type restResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Count   *int64          `json:"count"`
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, in, data any, count *int64) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if a.devUserID != "" {
		req.Header.Set("X-User-ID", a.devUserID)
	}

	res, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	var rr restResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBytes)).Decode(&rr); err != nil {
		return &APIError{Status: res.StatusCode, Message: "invalid response body"}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 || !rr.Success {
		return &APIError{Status: res.StatusCode, Message: rr.Message}
	}

	if data != nil && len(rr.Data) > 0 {
		if err := json.Unmarshal(rr.Data, data); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	if count != nil && rr.Count != nil {
		*count = *rr.Count
	}
	return nil
}
