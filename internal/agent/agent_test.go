package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"session-hub/internal/hub"
)

type fakeProvider struct{}

func (fakeProvider) CPUPercent(context.Context) (float64, error)          { return 12, nil }
func (fakeProvider) MemoryPercent(context.Context) (float64, error)       { return 34, nil }
func (fakeProvider) DiskPercent(context.Context, string) (float64, error) { return 56, nil }
func (fakeProvider) Uptime(context.Context) (uint64, error)               { return 3600, nil }
func (fakeProvider) CountProcesses(context.Context, string) (int, error)  { return 2, nil }

type recordingSender struct {
	mu     sync.Mutex
	frames []hub.Envelope
}

func (s *recordingSender) Send(raw []byte) error {
	var env hub.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, env)
	return nil
}

func (s *recordingSender) last() hub.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

func newTestAgent() (*Agent, *recordingSender) {
	a := New(Config{AgentID: "node-a", HubURL: "http://127.0.0.1:1"}, "test", nil)
	sender := &recordingSender{}
	a.sender = sender
	a.collector.provider = fakeProvider{}
	return a, sender
}

func frame(t *testing.T, msgType hub.MsgType, id string, payload any) []byte {
	t.Helper()
	env, err := hub.NewEnvelope(msgType, id, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestCollectorUsesProvider(t *testing.T) {
	t.Parallel()

	collector := NewCollector("", "session-worker")
	collector.provider = fakeProvider{}

	metrics := collector.Collect(context.Background())
	if metrics.CPUPercent != 12 || metrics.MemPercent != 34 || metrics.DiskPercent != 56 {
		t.Fatalf("unexpected usage: %+v", metrics)
	}
	if metrics.SessionWorkers != 2 || metrics.UptimeSeconds != 3600 {
		t.Fatalf("unexpected worker values: %+v", metrics)
	}
}

func TestAgentAnswersCommandWithResult(t *testing.T) {
	t.Parallel()

	a, sender := newTestAgent()
	a.handleFrame(context.Background(), frame(t, hub.Command, "cmd-42", hub.CommandPayload{Kind: hub.CommandExec, Command: "printf ok"}))

	env := sender.last()
	if env.Type != hub.Result || env.AgentID != "node-a" {
		t.Fatalf("expected result frame, got %+v", env)
	}
	var result hub.ResultPayload
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.CommandID != "cmd-42" || result.Stdout != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAgentAppliesConfigAndAcks(t *testing.T) {
	t.Parallel()

	a, sender := newTestAgent()
	a.handleFrame(context.Background(), frame(t, hub.Config, "cfg-1", hub.ConfigPayload{HeartbeatIntervalSeconds: 7, StatusIntervalSeconds: 9}))

	if time.Duration(a.heartbeatEvery.Load()) != 7*time.Second || time.Duration(a.statusEvery.Load()) != 9*time.Second {
		t.Fatalf("expected intervals applied")
	}
	env := sender.last()
	var ack hub.AckPayload
	_ = json.Unmarshal(env.Payload, &ack)
	if env.Type != hub.Ack || ack.RefID != "cfg-1" || !ack.Success {
		t.Fatalf("unexpected ack: %+v %+v", env, ack)
	}
}

func TestClientBackoffIsCapped(t *testing.T) {
	t.Parallel()

	c := NewClient("http://hub", "node-a", "token", nil)
	for attempt := 0; attempt < 20; attempt++ {
		delay := c.backoffDelay(attempt)
		if delay <= 0 || delay > 72*time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, delay)
		}
	}

	raw, err := c.buildURL()
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	if !strings.HasPrefix(raw, "ws://hub?") || !strings.Contains(raw, "agent_id=node-a") || !strings.Contains(raw, "token=token") {
		t.Fatalf("unexpected url %s", raw)
	}
}

func TestAgentRoundTripThroughHub(t *testing.T) {
	t.Parallel()

	h := hub.NewHub(nil)
	defer h.Close()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := hub.NewAgentClient(r.URL.Query().Get("agent_id"), conn, h)
		h.Register(client)
		client.Start()
	}))
	defer server.Close()

	a := New(Config{HubURL: server.URL + "/ws/agent", AgentID: "node-a", Token: "t"}, "test", nil)
	a.collector.provider = fakeProvider{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		agents := h.Agents()
		if len(agents) == 1 && agents[0].Version == "test" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never registered: %+v", agents)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cmdCancel()
	result, err := h.SendCommand(cmdCtx, "node-a", hub.CommandPayload{Kind: hub.CommandExec, Command: "echo round-trip"})
	if err != nil {
		t.Fatalf("send command: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "round-trip" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
