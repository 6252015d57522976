package event

import (
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

const (
	EventAccountAssigned = "account.assigned"
	EventAccountStatus   = "account.status"
	EventNodeFailed      = "node.failed"
	EventNodeRecovered   = "node.recovered"
)

type AccountAssignedPayload struct {
	AccountID      string `json:"account_id"`
	ServerID       string `json:"server_id"`
	PreviousServer string `json:"previous_server,omitempty"`
	AllocationType string `json:"allocation_type"`
}

type AccountStatusPayload struct {
	AccountID string    `json:"account_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type NodeFailedPayload struct {
	NodeID              string    `json:"node_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Timestamp           time.Time `json:"timestamp"`
}

type NodeRecoveredPayload struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Handler func(payload any)

type subscription struct {
	handler Handler
	ordered *fifo
}

// fifo keeps one subscription's pending payloads in publish order. At most
// one drain goroutine runs per subscription.
type fifo struct {
	mu       sync.Mutex
	pending  *queue.Queue
	draining bool
}

// Bus is an in-process publish/subscribe hub. Handlers run on their own
// goroutine; a panicking handler is logged and does not affect the others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription
	logger   *zap.Logger
}

type Option func(*Bus)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{handlers: make(map[string][]*subscription), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler that may see payloads in any order.
func (b *Bus) Subscribe(event string, handler func(payload any)) {
	b.subscribe(event, &subscription{handler: handler})
}

// SubscribeOrdered registers a handler that sees payloads one at a time in
// publish order. Publish still never blocks on it.
func (b *Bus) SubscribeOrdered(event string, handler func(payload any)) {
	b.subscribe(event, &subscription{handler: handler, ordered: &fifo{pending: queue.New()}})
}

func (b *Bus) subscribe(event string, sub *subscription) {
	topic := strings.TrimSpace(event)
	if b == nil || sub.handler == nil || topic == "" {
		return
	}

	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], sub)
	b.mu.Unlock()
}

func (b *Bus) Publish(event string, payload any) {
	if b == nil {
		return
	}
	topic := strings.TrimSpace(event)

	b.mu.RLock()
	subs := b.handlers[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.ordered == nil {
			go b.deliver(topic, sub.handler, payload)
			continue
		}
		b.enqueue(topic, sub, payload)
	}
}

func (b *Bus) enqueue(topic string, sub *subscription, payload any) {
	f := sub.ordered
	f.mu.Lock()
	f.pending.Add(payload)
	if f.draining {
		f.mu.Unlock()
		return
	}
	f.draining = true
	f.mu.Unlock()

	go b.drain(topic, sub)
}

func (b *Bus) drain(topic string, sub *subscription) {
	f := sub.ordered
	for {
		f.mu.Lock()
		if f.pending.Length() == 0 {
			f.draining = false
			f.mu.Unlock()
			return
		}
		payload := f.pending.Remove()
		f.mu.Unlock()

		b.deliver(topic, sub.handler, payload)
	}
}

func (b *Bus) deliver(topic string, handler Handler, payload any) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event handler panic recovered", zap.String("event", topic), zap.Any("panic", recovered))
		}
	}()
	handler(payload)
}
