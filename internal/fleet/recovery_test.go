package fleet

import (
	"context"
	"testing"
	"time"

	"session-hub/internal/event"
	"session-hub/internal/model"
)

type fakeEvacuator struct {
	calls  []string
	failed int
}

func (e *fakeEvacuator) EvacuateServer(_ context.Context, serverID string, _ int) (*RebalanceResult, error) {
	e.calls = append(e.calls, serverID)
	result := &RebalanceResult{SourceServer: serverID, Migrated: []MigrationOutcome{}, Failed: []MigrationOutcome{}}
	for i := 0; i < e.failed; i++ {
		result.Failed = append(result.Failed, MigrationOutcome{AccountID: "stuck", FromServer: serverID})
	}
	return result, nil
}

func TestFaultRecoveryEvacuatesAfterThreshold(t *testing.T) {
	t.Parallel()

	monitor := newFakeMonitor(onlineServer("node-a", 1, 5), onlineServer("node-b", 1, 5))
	monitor.setStatus("node-a", model.ServerStatusError)
	evacuator := &fakeEvacuator{}
	bus := event.NewBus()
	failedEvents := make(chan event.NodeFailedPayload, 1)
	bus.Subscribe(event.EventNodeFailed, func(payload any) {
		if p, ok := payload.(event.NodeFailedPayload); ok {
			failedEvents <- p
		}
	})

	recovery := NewFaultRecovery(FaultRecoveryPolicy{Enabled: true, FailureThreshold: 3}, monitor, evacuator, bus, nil)

	for i := 0; i < 2; i++ {
		report, err := recovery.Check(context.Background())
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if len(report.FailedNodes) != 0 {
			t.Fatalf("check %d: node failed before threshold", i)
		}
	}

	report, err := recovery.Check(context.Background())
	if err != nil {
		t.Fatalf("third check: %v", err)
	}
	if len(report.FailedNodes) != 1 || report.FailedNodes[0] != "node-a" {
		t.Fatalf("expected node-a failed, got %+v", report.FailedNodes)
	}
	if len(evacuator.calls) != 1 || evacuator.calls[0] != "node-a" {
		t.Fatalf("expected one evacuation of node-a, got %v", evacuator.calls)
	}
	if len(monitor.quarantined) != 1 || monitor.quarantined[0] != "node-a" {
		t.Fatalf("expected node-a quarantined, got %v", monitor.quarantined)
	}

	select {
	case payload := <-failedEvents:
		if payload.NodeID != "node-a" || payload.ConsecutiveFailures != 3 {
			t.Fatalf("unexpected node.failed payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected node.failed event")
	}

	// A handled node is not evacuated again while it stays down.
	if _, err := recovery.Check(context.Background()); err != nil {
		t.Fatalf("fourth check: %v", err)
	}
	if len(evacuator.calls) != 1 {
		t.Fatalf("expected no repeated evacuation, got %v", evacuator.calls)
	}

	monitor.setStatus("node-a", model.ServerStatusOnline)
	report, err = recovery.Check(context.Background())
	if err != nil {
		t.Fatalf("recovery check: %v", err)
	}
	if len(report.Recovered) != 1 || report.Recovered[0] != "node-a" {
		t.Fatalf("expected node-a recovered, got %+v", report.Recovered)
	}
	for _, health := range recovery.Health() {
		if health.ConsecutiveFailures != 0 {
			t.Fatalf("expected failure counts reset, got %+v", health)
		}
	}
}

func TestFaultRecoveryRetriesIncompleteEvacuation(t *testing.T) {
	t.Parallel()

	monitor := newFakeMonitor(onlineServer("node-a", 1, 5), onlineServer("node-b", 1, 5))
	monitor.setStatus("node-a", model.ServerStatusError)
	evacuator := &fakeEvacuator{failed: 1}
	recovery := NewFaultRecovery(FaultRecoveryPolicy{Enabled: true, FailureThreshold: 1}, monitor, evacuator, nil, nil)

	for i := 0; i < 2; i++ {
		if _, err := recovery.Check(context.Background()); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if len(evacuator.calls) != 2 {
		t.Fatalf("expected evacuation retried while accounts remain, got %v", evacuator.calls)
	}
}

func TestFaultRecoveryKeepsEvacuatingUntilNodeIsEmpty(t *testing.T) {
	t.Parallel()

	failed := onlineServer("failed", 3, 5)
	failed.Status = model.ServerStatusError
	f := newAllocatorFixture(PolicyConfig{}, failed, onlineServer("node-a", 0, 10))
	for _, id := range []string{"acc-1", "acc-2", "acc-3"} {
		f.store.seed(id, "failed")
	}
	recovery := NewFaultRecovery(
		FaultRecoveryPolicy{Enabled: true, FailureThreshold: 1, MaxMigrations: 2},
		f.monitor, f.allocator, nil, nil,
	)

	wantEvacuations := []int{1, 1, 0}
	for i, want := range wantEvacuations {
		report, err := recovery.Check(context.Background())
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if len(report.Evacuations) != want {
			t.Fatalf("check %d: expected %d evacuations, got %d", i, want, len(report.Evacuations))
		}
	}

	for _, id := range []string{"acc-1", "acc-2", "acc-3"} {
		if got := f.store.serverOf(id); got != "node-a" {
			t.Fatalf("expected %s moved to node-a, still on %s", id, got)
		}
	}
	for _, health := range recovery.Health() {
		if health.NodeID == "failed" && !health.Evacuated {
			t.Fatalf("expected failed node marked evacuated once empty")
		}
	}
}

func TestFaultRecoveryDisabledDoesNothing(t *testing.T) {
	t.Parallel()

	monitor := newFakeMonitor(onlineServer("node-a", 1, 5))
	monitor.setStatus("node-a", model.ServerStatusError)
	evacuator := &fakeEvacuator{}
	recovery := NewFaultRecovery(FaultRecoveryPolicy{FailureThreshold: 1}, monitor, evacuator, nil, nil)

	report, err := recovery.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.FailedNodes) != 0 || len(evacuator.calls) != 0 {
		t.Fatalf("expected disabled recovery to skip work")
	}
}
