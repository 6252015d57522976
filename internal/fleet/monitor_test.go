package fleet

import (
	"context"
	"errors"
	"testing"

	"session-hub/internal/model"
)

const sampleDiagnostics = "process_count=2\nsession_files=3\ncpu=12.5\nmem=40\ndisk=55\n"

func monitorNodes() []model.ServerNode {
	return []model.ServerNode{
		{ID: "node-b", Host: "10.0.0.2", DeployDir: "/opt/worker", MaxAccounts: 10, Location: "us"},
		{ID: "node-a", Host: "10.0.0.1", DeployDir: "/opt/worker", MaxAccounts: 10, Location: "eu"},
	}
}

func TestMonitorPollReportsUnreachableNodeAsError(t *testing.T) {
	t.Parallel()

	executor := newFakeExecutor()
	executor.outputs["node-a"] = sampleDiagnostics
	executor.setUnreachable("node-b", true)

	store := newFakeStore()
	store.seed("acc-1", "node-a")
	store.seed("acc-2", "node-b")

	monitor := NewMonitor(MonitorConfig{}, monitorNodes(), executor, store, nil)
	servers, err := monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(servers) != 2 || servers[0].NodeID != "node-a" {
		t.Fatalf("expected servers sorted by id, got %+v", servers)
	}

	a, b := servers[0], servers[1]
	if a.Status != model.ServerStatusOnline {
		t.Fatalf("expected node-a online, got %s (%s)", a.Status, a.Error)
	}
	if a.CPUUsage != 12.5 || a.MemoryUsage != 40 || a.DiskUsage != 55 {
		t.Fatalf("unexpected usage values: %+v", a)
	}
	if !a.ProcessRunning || a.ProcessCount != 2 || a.SessionFiles != 3 {
		t.Fatalf("unexpected process values: %+v", a)
	}
	// Registry wins over the three session files found remotely.
	if a.CurrentAccounts != 1 || a.AccountSource != string(CountFromRegistry) {
		t.Fatalf("expected registry count 1, got %d from %s", a.CurrentAccounts, a.AccountSource)
	}
	if a.Location != "eu" || a.MaxAccounts != 10 {
		t.Fatalf("expected node config carried into metrics, got %+v", a)
	}

	if b.Status != model.ServerStatusError || b.Error == "" {
		t.Fatalf("expected node-b in error status, got %+v", b)
	}
	if b.CurrentAccounts != 1 {
		t.Fatalf("expected registry count for unreachable node, got %d", b.CurrentAccounts)
	}

	latest, ok := monitor.LatestFor("node-b")
	if !ok || latest.Status != model.ServerStatusError {
		t.Fatalf("expected latest node-b sample cached, got %+v ok=%v", latest, ok)
	}
}

func TestMonitorAccountCountFallbacks(t *testing.T) {
	t.Parallel()

	executor := newFakeExecutor()
	executor.outputs["node-a"] = sampleDiagnostics
	executor.outputs["node-b"] = sampleDiagnostics

	store := newFakeStore()
	store.seed("acc-1", "node-b")
	store.seed("acc-2", "node-b")

	monitor := NewMonitor(MonitorConfig{}, monitorNodes(), executor, store, nil)

	if _, err := monitor.Poll(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	store.mu.Lock()
	store.countErr = errors.New("database is down")
	store.mu.Unlock()
	executor.setUnreachable("node-b", true)

	servers, err := monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}

	want := map[string]AccountCount{
		"node-a": {Value: 3, Source: CountFromRemoteFiles},
		"node-b": {Value: 2, Source: CountFromLastKnown},
	}
	for _, server := range servers {
		expected := want[server.NodeID]
		if server.CurrentAccounts != expected.Value || server.AccountSource != string(expected.Source) {
			t.Fatalf("%s: expected %d from %s, got %d from %s",
				server.NodeID, expected.Value, expected.Source, server.CurrentAccounts, server.AccountSource)
		}
	}

	fresh := NewMonitor(MonitorConfig{}, []model.ServerNode{{ID: "node-c", Host: "10.0.0.3", MaxAccounts: 5}}, executor, store, nil)
	executor.setUnreachable("node-c", true)
	servers, err = fresh.Poll(context.Background())
	if err != nil {
		t.Fatalf("fresh poll: %v", err)
	}
	if servers[0].AccountSource != string(CountUnknown) {
		t.Fatalf("expected unknown count for never-seen node, got %s", servers[0].AccountSource)
	}
}

func TestAccountCountDegraded(t *testing.T) {
	t.Parallel()

	if (AccountCount{Source: CountFromRegistry}).Degraded() {
		t.Fatalf("registry count must not be degraded")
	}
	for _, source := range []CountSource{CountFromRemoteFiles, CountFromLastKnown, CountUnknown} {
		if !(AccountCount{Source: source}).Degraded() {
			t.Fatalf("expected %s to be degraded", source)
		}
	}
}

func TestMonitorQuarantineLiftedBySuccessfulPoll(t *testing.T) {
	t.Parallel()

	executor := newFakeExecutor()
	executor.outputs["node-a"] = sampleDiagnostics
	executor.outputs["node-b"] = sampleDiagnostics
	executor.setUnreachable("node-a", true)

	monitor := NewMonitor(MonitorConfig{}, monitorNodes(), executor, newFakeStore(), nil)
	monitor.Quarantine("node-a")

	servers, err := monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !servers[0].Quarantined || servers[0].Allocatable() {
		t.Fatalf("expected node-a still quarantined, got %+v", servers[0])
	}

	executor.setUnreachable("node-a", false)
	servers, err = monitor.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if servers[0].Quarantined || monitor.IsQuarantined("node-a") {
		t.Fatalf("expected quarantine lifted after successful poll")
	}
}

func TestParseDiagnosticsToleratesNoise(t *testing.T) {
	t.Parallel()

	probe, err := parseDiagnostics("garbage\nprocess_count=0 0\ncpu=abc\nmem=140\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if probe.processCount != 0 || probe.cpu != 0 || probe.memory != 100 {
		t.Fatalf("unexpected probe: %+v", probe)
	}

	if _, err := parseDiagnostics(""); err == nil {
		t.Fatalf("expected error for empty diagnostics")
	}
}
