package sse

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-hub/internal/event"
	"session-hub/internal/metrics"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	subscriberBuffer         = 256
	backpressureFullLimit    = 5
)

const EventHeartbeat = "heartbeat"

// Event is one server-sent event. IDs are decimal sequence numbers, unique
// per stream and increasing.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data string `json:"data"`

	seq int64
}

// RelayedEvents are the bus topics forwarded to operators.
var RelayedEvents = []string{
	event.EventAccountAssigned,
	event.EventAccountStatus,
	event.EventNodeFailed,
	event.EventNodeRecovered,
}

type Subscriber struct {
	ID     string
	Ch     chan Event
	Done   chan struct{}
	types  map[string]struct{}
	full   atomic.Int32
	closed sync.Once
}

func (s *Subscriber) wants(eventType string) bool {
	if eventType == EventHeartbeat || len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

func (s *Subscriber) close() {
	s.closed.Do(func() { close(s.Done) })
}

// Stream fans fleet events out to connected operator subscribers.
type Stream struct {
	subscribers sync.Map
	replay      *replayBuffer
	logger      *zap.Logger
	seq         atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

func NewStream(heartbeat time.Duration, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	s := &Stream{
		replay: newReplayBuffer(defaultReplaySize),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	go s.heartbeatLoop(heartbeat)
	return s
}

// Relay forwards every relayed bus topic into the stream.
func (s *Stream) Relay(bus *event.Bus) {
	for _, topic := range RelayedEvents {
		topic := topic
		bus.Subscribe(topic, func(payload any) {
			s.Emit(topic, payload)
		})
	}
}

// Subscribe registers a subscriber limited to types; no types means all.
func (s *Stream) Subscribe(types []string) *Subscriber {
	sub := &Subscriber{
		ID:    uuid.NewString(),
		Ch:    make(chan Event, subscriberBuffer),
		Done:  make(chan struct{}),
		types: make(map[string]struct{}, len(types)),
	}
	for _, eventType := range types {
		if trimmed := strings.TrimSpace(eventType); trimmed != "" {
			sub.types[trimmed] = struct{}{}
		}
	}

	s.subscribers.Store(sub.ID, sub)
	metrics.SetEventSubscribers(s.Count())
	return sub
}

func (s *Stream) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	if _, loaded := s.subscribers.LoadAndDelete(sub.ID); loaded {
		sub.close()
		metrics.SetEventSubscribers(s.Count())
	}
}

// Emit publishes payload as JSON under eventType and returns the event.
func (s *Stream) Emit(eventType string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("null")
	}
	seq := s.seq.Add(1)
	ev := Event{ID: strconv.FormatInt(seq, 10), Type: eventType, Data: string(data), seq: seq}
	s.publish(ev)
	return ev
}

func (s *Stream) publish(ev Event) {
	if ev.Type != EventHeartbeat {
		s.replay.add(ev)
	}
	s.subscribers.Range(func(_, value any) bool {
		if sub, ok := value.(*Subscriber); ok && sub.wants(ev.Type) {
			s.deliver(sub, ev)
		}
		return true
	})
}

// Since returns replayable events after lastID that sub is interested in.
func (s *Stream) Since(sub *Subscriber, lastID string) []Event {
	events := s.replay.after(lastID)
	out := events[:0]
	for _, ev := range events {
		if sub == nil || sub.wants(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Stream) Count() int {
	count := 0
	s.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.subscribers.Range(func(_, value any) bool {
			if sub, ok := value.(*Subscriber); ok {
				s.Unsubscribe(sub)
			}
			return true
		})
	})
}

func (s *Stream) deliver(sub *Subscriber, ev Event) {
	select {
	case <-sub.Done:
	case sub.Ch <- ev:
		sub.full.Store(0)
	default:
		streak := sub.full.Add(1)
		s.logger.Warn("drop operator event due to full buffer",
			zap.String("subscriber_id", sub.ID),
			zap.String("type", ev.Type),
			zap.Int32("full_streak", streak))
		if streak >= backpressureFullLimit {
			s.logger.Warn("disconnect slow event subscriber", zap.String("subscriber_id", sub.ID))
			s.Unsubscribe(sub)
		}
	}
}

func (s *Stream) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.Emit(EventHeartbeat, map[string]string{"ts": now.UTC().Format(time.RFC3339Nano)})
		}
	}
}
