package sse

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"session-hub/internal/event"
)

func newTestStream() *Stream {
	return &Stream{
		replay: newReplayBuffer(4),
		logger: zap.NewNop(),
		stopCh: make(chan struct{}),
	}
}

func TestPublishHonoursTypeFilter(t *testing.T) {
	t.Parallel()

	stream := newTestStream()
	all := stream.Subscribe(nil)
	nodes := stream.Subscribe([]string{event.EventNodeFailed})

	stream.Emit(event.EventAccountStatus, map[string]string{"account_id": "acc-1"})
	stream.Emit(event.EventNodeFailed, map[string]string{"node_id": "node-a"})

	assertEventType(t, all.Ch, event.EventAccountStatus)
	assertEventType(t, all.Ch, event.EventNodeFailed)
	assertEventType(t, nodes.Ch, event.EventNodeFailed)
	assertNoEvent(t, nodes.Ch)
}

func TestRelayForwardsBusEvents(t *testing.T) {
	t.Parallel()

	stream := newTestStream()
	bus := event.NewBus()
	stream.Relay(bus)
	sub := stream.Subscribe(nil)

	bus.Publish(event.EventAccountAssigned, event.AccountAssignedPayload{AccountID: "acc-1", ServerID: "node-a"})
	assertEventType(t, sub.Ch, event.EventAccountAssigned)
}

func TestSinceReplaysAfterLastID(t *testing.T) {
	t.Parallel()

	stream := newTestStream()
	first := stream.Emit(event.EventNodeFailed, nil)
	for i := 0; i < 5; i++ {
		stream.Emit(event.EventAccountStatus, nil)
	}

	replayed := stream.Since(nil, first.ID)
	if len(replayed) != 4 {
		t.Fatalf("replayed %d events, want the 4 buffered", len(replayed))
	}
	for i := 1; i < len(replayed); i++ {
		if replayed[i].seq <= replayed[i-1].seq {
			t.Fatalf("replay out of order: %v", replayed)
		}
	}

	if got := stream.Since(nil, ""); len(got) != 0 {
		t.Fatalf("empty last id replayed %d events", len(got))
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	t.Parallel()

	stream := newTestStream()
	sub := stream.Subscribe(nil)
	for i := 0; i < subscriberBuffer+backpressureFullLimit; i++ {
		stream.Emit(event.EventAccountStatus, nil)
	}

	select {
	case <-sub.Done:
	default:
		t.Fatal("expected slow subscriber to be closed")
	}
	if stream.Count() != 0 {
		t.Fatalf("count = %d", stream.Count())
	}
}

func assertEventType(t *testing.T, ch <-chan Event, want string) {
	t.Helper()

	select {
	case ev := <-ch:
		if ev.Type != want {
			t.Fatalf("event type = %s, want %s", ev.Type, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", want)
	}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
