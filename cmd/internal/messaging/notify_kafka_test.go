package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/segmentio/kafka-go"
)

type recordingKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewKafkaPublisher_Config(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(nil, "x"); err == nil {
		t.Fatalf("expected error without brokers")
	}

	p, err := NewKafkaPublisher([]string{"127.0.0.1:9092"}, "  ")
	if err != nil {
		t.Fatalf("NewKafkaPublisher: %v", err)
	}
	w, ok := p.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("writer type = %T", p.writer)
	}
	if w.Topic != defaultNotificationTopic {
		t.Fatalf("topic = %q, want %q", w.Topic, defaultNotificationTopic)
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Fatalf("balancer must hash keys, got %T", w.Balancer)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestKafkaPublisher_MessageShape(t *testing.T) {
	t.Parallel()

	w := &recordingKafkaWriter{}
	p := &KafkaPublisher{writer: w}

	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	n := Notification{
		ID:          "n1",
		RecipientID: "bob",
		ActorID:     "alice",
		Kind:        NotificationKindMessage,
		MessageID:   "m1",
		Preview:     "hello",
		CreatedAt:   at,
	}
	if err := p.PublishNotification(context.Background(), n); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected one kafka message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "bob" {
		t.Fatalf("key = %q, want recipient id", m.Key)
	}
	if !m.Time.Equal(at) {
		t.Fatalf("time = %v, want %v", m.Time, at)
	}

	var got v1.Notification
	if err := json.Unmarshal(m.Value, &got); err != nil {
		t.Fatalf("value is not a JSON notification: %v", err)
	}
	want := v1.Notification{
		ID:          "n1",
		RecipientID: "bob",
		ActorID:     "alice",
		Kind:        NotificationKindMessage,
		MessageID:   "m1",
		Preview:     "hello",
	}
	if !got.CreatedAt.Equal(at) {
		t.Fatalf("createdAt = %v, want %v", got.CreatedAt, at)
	}
	got.CreatedAt = time.Time{}
	if got != want {
		t.Fatalf("value = %+v, want %+v", got, want)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("Close: err=%v closed=%v", err, w.closed)
	}
}

func TestKafkaPublisher_WriteErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &recordingKafkaWriter{err: boom}}
	if err := p.PublishNotification(context.Background(), Notification{ID: "n1", RecipientID: "bob"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}
