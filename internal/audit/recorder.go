package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-hub/internal/model"
)

const (
	defaultQueueSize = 1024
	sinkWriteTimeout = 5 * time.Second
)

// Recorder accepts account events for durable audit. Record never blocks the
// caller on sink I/O.
type Recorder interface {
	Record(ctx context.Context, event *model.AccountEvent)
}

type Sink interface {
	Name() string
	Write(ctx context.Context, event *model.AccountEvent) error
}

type Nop struct{}

func (Nop) Record(context.Context, *model.AccountEvent) {}

// Log fans account events out to every sink from a single worker.
type Log struct {
	logger *zap.Logger
	sinks  []Sink
	queue  chan *model.AccountEvent

	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func NewLog(logger *zap.Logger, queueSize int, sinks ...Sink) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}

	return &Log{
		logger: logger,
		sinks:  filtered,
		queue:  make(chan *model.AccountEvent, queueSize),
		done:   make(chan struct{}),
	}
}

func (l *Log) Start() {
	if l == nil {
		return
	}
	l.startOnce.Do(func() {
		go l.run()
	})
}

func (l *Log) Record(_ context.Context, event *model.AccountEvent) {
	if l == nil || event == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- event:
	default:
		l.logger.Warn("audit queue full, dropping account event",
			zap.String("account_id", event.AccountID),
			zap.String("event_type", event.EventType),
		)
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (l *Log) Close(ctx context.Context) error {
	if l == nil {
		return nil
	}

	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		l.Start()
	})

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Log) run() {
	defer close(l.done)

	for event := range l.queue {
		for _, sink := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
			err := sink.Write(ctx, event)
			cancel()
			if err != nil {
				l.logger.Warn("write account event failed",
					zap.String("sink", sink.Name()),
					zap.String("account_id", event.AccountID),
					zap.String("event_type", event.EventType),
					zap.Error(err),
				)
			}
		}
	}
}
