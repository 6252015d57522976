package sse

import (
	"strconv"
	"sync"
)

const defaultReplaySize = 500

// replayBuffer keeps the most recent events so a reconnecting subscriber can
// resume from Last-Event-ID.
type replayBuffer struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

func newReplayBuffer(size int) *replayBuffer {
	if size <= 0 {
		size = defaultReplaySize
	}
	return &replayBuffer{events: make([]Event, size)}
}

func (b *replayBuffer) add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[b.next] = event
	b.next = (b.next + 1) % len(b.events)
	if b.next == 0 {
		b.full = true
	}
}

// after returns buffered events newer than lastID, oldest first. An empty or
// malformed id yields nothing: a fresh subscriber starts from live events.
func (b *replayBuffer) after(lastID string) []Event {
	lastSeq, err := strconv.ParseInt(lastID, 10, 64)
	if lastID == "" || err != nil {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	ordered := b.events[:b.next]
	if b.full {
		ordered = append(append([]Event(nil), b.events[b.next:]...), b.events[:b.next]...)
	}

	out := make([]Event, 0)
	for _, event := range ordered {
		if event.seq > lastSeq && event.Type != EventHeartbeat {
			out = append(out, event)
		}
	}
	return out
}
