package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ConnOpened()
	m.ConnClosed()
	m.SetOnlineUsers(3)
	m.Push("receive-message", true)
	m.Inbound("identify")
	m.MessageSent()
	m.ReadReceipt()
	m.SideEffectFailed("directory")
	m.ObserveHTTP(http.MethodGet, 200, time.Millisecond)

	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	t.Parallel()

	m := New()
	m.ConnOpened()
	m.Push("receive-message", false)
	m.MessageSent()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	body := string(b)

	for _, want := range []string{
		"relay_ws_active_connections 1",
		`relay_push_total{event="receive-message",outcome="dropped"} 1`,
		"relay_messages_sent_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
