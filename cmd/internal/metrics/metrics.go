// Package metrics owns Relay's Prometheus collectors.
//
// All recording methods are safe on a nil *Metrics, so packages can take an optional
// collector without guarding every call site.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	connections prometheus.Gauge
	onlineUsers prometheus.Gauge
	pushes      *prometheus.CounterVec
	inbound     *prometheus.CounterVec

	messagesSent  prometheus.Counter
	readReceipts  prometheus.Counter
	sideEffectErr *prometheus.CounterVec

	httpRequests *prometheus.HistogramVec
}

// New constructs collectors on a fresh registry (process and Go collectors included).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_active_connections",
			Help:      "Active websocket connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_online_users",
			Help:      "Users currently registered as online.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_total",
			Help:      "Outbound pushes by event and outcome.",
		}, []string{"event", "outcome"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_inbound_events_total",
			Help:      "Inbound websocket events by type.",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted by the delivery pipeline.",
		}),
		readReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_receipts_total",
			Help:      "Mark-read calls that modified at least one message.",
		}),
		sideEffectErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "Best-effort side effects that failed (logged and swallowed).",
		}, []string{"kind"}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.onlineUsers,
		m.pushes,
		m.inbound,
		m.messagesSent,
		m.readReceipts,
		m.sideEffectErr,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// SetOnlineUsers records the registry size.
func (m *Metrics) SetOnlineUsers(n int) {
	if m != nil {
		m.onlineUsers.Set(float64(n))
	}
}

// Push records one outbound push attempt.
func (m *Metrics) Push(event string, delivered bool) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if !delivered {
		outcome = "dropped"
	}
	m.pushes.WithLabelValues(event, outcome).Inc()
}

// Inbound records one inbound envelope.
func (m *Metrics) Inbound(typ string) {
	if m != nil {
		m.inbound.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) ReadReceipt() {
	if m != nil {
		m.readReceipts.Inc()
	}
}

// SideEffectFailed counts a swallowed failure (directory, mirror, notification, publish).
func (m *Metrics) SideEffectFailed(kind string) {
	if m != nil {
		m.sideEffectErr.WithLabelValues(kind).Inc()
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	if m != nil {
		m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
	}
}
