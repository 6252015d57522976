package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"session-hub/internal/model"
)

type collectingSink struct {
	name string
	err  error

	mu     sync.Mutex
	events []*model.AccountEvent
}

func (s *collectingSink) Name() string { return s.name }

func (s *collectingSink) Write(_ context.Context, event *model.AccountEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestLog_FansOutToEverySink(t *testing.T) {
	t.Parallel()

	failing := &collectingSink{name: "failing", err: errors.New("boom")}
	healthy := &collectingSink{name: "healthy"}

	log := NewLog(nil, 8, failing, healthy)
	log.Start()

	for i := 0; i < 3; i++ {
		log.Record(context.Background(), &model.AccountEvent{
			AccountID: "acc-1",
			EventType: model.AccountEventSendAttempt,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := log.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if failing.count() != 3 || healthy.count() != 3 {
		t.Fatalf("expected 3 events per sink, got failing=%d healthy=%d", failing.count(), healthy.count())
	}
	if healthy.events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be stamped")
	}
}

func TestLog_DropsAfterClose(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{name: "sink"}
	log := NewLog(nil, 4, sink)
	log.Start()

	if err := log.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	log.Record(context.Background(), &model.AccountEvent{AccountID: "late"})

	if sink.count() != 0 {
		t.Fatalf("expected no events after close, got %d", sink.count())
	}
}

type fakeKafkaWriter struct {
	messages []kafka.Message
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error { return nil }

func TestKafkaSink_KeysByAccount(t *testing.T) {
	t.Parallel()

	writer := &fakeKafkaWriter{}
	sink := &KafkaSink{writer: writer, topic: "account-events"}

	destination := "group-7"
	err := sink.Write(context.Background(), &model.AccountEvent{
		AccountID:   "acc-9",
		EventType:   model.AccountEventSendAttempt,
		Destination: &destination,
		Success:     true,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.messages))
	}
	msg := writer.messages[0]
	if msg.Topic != "account-events" || string(msg.Key) != "acc-9" {
		t.Fatalf("unexpected topic/key: %s/%s", msg.Topic, msg.Key)
	}

	var decoded model.AccountEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.Destination == nil || *decoded.Destination != "group-7" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestNewKafkaSink_RequiresBrokersAndTopic(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaSink(KafkaConfig{Topic: "x"}); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected error without topic")
	}
}
