package event

import (
	"testing"
	"time"
)

func TestBus_PublishDeliversToEverySubscriber(t *testing.T) {
	bus := NewBus()
	got := make(chan AccountAssignedPayload, 2)

	for i := 0; i < 2; i++ {
		bus.Subscribe(EventAccountAssigned, func(payload any) {
			if casted, ok := payload.(AccountAssignedPayload); ok {
				got <- casted
			}
		})
	}

	bus.Publish(" "+EventAccountAssigned+" ", AccountAssignedPayload{AccountID: "acc-1", ServerID: "node-a"})

	for i := 0; i < 2; i++ {
		select {
		case payload := <-got:
			if payload.AccountID != "acc-1" || payload.ServerID != "node-a" {
				t.Fatalf("unexpected payload: %+v", payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d was not called", i)
		}
	}
}

func TestBus_NilAndEmptyAreIgnored(t *testing.T) {
	var nilBus *Bus
	nilBus.Subscribe(EventNodeFailed, func(any) {})
	nilBus.Publish(EventNodeFailed, nil)

	bus := NewBus()
	bus.Subscribe("", func(any) { t.Error("empty event name must not subscribe") })
	bus.Subscribe(EventNodeFailed, nil)
	bus.Publish("", nil)
	bus.Publish(EventNodeFailed, NodeFailedPayload{NodeID: "node-a"})
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	bus.Subscribe(EventNodeRecovered, func(any) { panic("boom") })
	bus.Subscribe(EventNodeRecovered, func(any) { close(done) })

	bus.Publish(EventNodeRecovered, NodeRecoveredPayload{NodeID: "node-a"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler was not called")
	}
}

func TestBus_SubscribeOrderedKeepsPublishOrder(t *testing.T) {
	bus := NewBus()
	const total = 500
	got := make(chan int, total)
	bus.SubscribeOrdered(EventAccountStatus, func(payload any) {
		got <- payload.(int)
	})
	bus.SubscribeOrdered(EventAccountStatus, func(any) { panic("boom") })

	for i := 0; i < total; i++ {
		bus.Publish(EventAccountStatus, i)
	}

	for want := 0; want < total; want++ {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("delivery %d out of order: got %d", want, seq)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d missing", want)
		}
	}
}
