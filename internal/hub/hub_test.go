package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestClient(id string, h *Hub) *AgentClient {
	client := &AgentClient{
		ID:          id,
		Send:        make(chan []byte, 8),
		Done:        make(chan struct{}),
		hub:         h,
		connectedAt: time.Now().UTC(),
	}
	client.markSeen(time.Now().UTC())
	return client
}

func readEnvelope(t *testing.T, client *AgentClient) Envelope {
	t.Helper()

	select {
	case raw := <-client.Send:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("expected a frame to the agent")
	}
	return Envelope{}
}

func mustFrame(t *testing.T, msgType MsgType, id string, payload any) []byte {
	t.Helper()

	env, err := NewEnvelope(msgType, id, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestRegisterReplacesPreviousConnection(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	defer h.Close()

	first := newTestClient("node-a", h)
	second := newTestClient("node-a", h)
	h.Register(first)
	h.Register(second)

	select {
	case <-first.Done:
	default:
		t.Fatal("expected previous connection to be closed")
	}

	// The stale connection unregistering must not remove the new one.
	h.Unregister(first)
	if !h.Connected("node-a") {
		t.Fatal("expected node-a to stay connected")
	}
}

func TestRegisterFrameAcksAndPushesConfig(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, WithAgentConfig(ConfigPayload{HeartbeatIntervalSeconds: 5, DeployDir: "/opt/worker"}))
	defer h.Close()

	client := newTestClient("node-a", h)
	h.Register(client)
	h.HandleMessage(client, mustFrame(t, "Agent-Hello", "reg-1", RegisterPayload{AgentID: "node-a", Version: "1.2.0", Hostname: "worker-a"}))

	ack := readEnvelope(t, client)
	if ack.Type != Ack || ack.AgentID != "node-a" {
		t.Fatalf("expected ack frame, got %+v", ack)
	}
	var ackPayload AckPayload
	if err := json.Unmarshal(ack.Payload, &ackPayload); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ackPayload.Success || ackPayload.RefID != "reg-1" {
		t.Fatalf("unexpected ack payload: %+v", ackPayload)
	}

	cfg := readEnvelope(t, client)
	if cfg.Type != Config {
		t.Fatalf("expected config frame, got %s", cfg.Type)
	}
	var cfgPayload ConfigPayload
	if err := json.Unmarshal(cfg.Payload, &cfgPayload); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfgPayload.HeartbeatIntervalSeconds != 5 || cfgPayload.DeployDir != "/opt/worker" {
		t.Fatalf("unexpected config payload: %+v", cfgPayload)
	}

	agents := h.Agents()
	if len(agents) != 1 || agents[0].Version != "1.2.0" || agents[0].Hostname != "worker-a" {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}

func TestRegisterRejectsMismatchedAgentID(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	defer h.Close()

	client := newTestClient("node-a", h)
	h.Register(client)
	h.HandleMessage(client, mustFrame(t, Register, "reg-1", RegisterPayload{AgentID: "node-b"}))

	ack := readEnvelope(t, client)
	var payload AckPayload
	_ = json.Unmarshal(ack.Payload, &payload)
	if payload.Success || payload.Error == "" {
		t.Fatalf("expected failed ack, got %+v", payload)
	}
}

func TestHeartbeatUpdatesMetrics(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	defer h.Close()

	client := newTestClient("node-a", h)
	h.Register(client)
	h.HandleMessage(client, mustFrame(t, Heartbeat, "", HostMetrics{CPUPercent: 42, SessionWorkers: 3}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		agents := h.Agents()
		if len(agents) == 1 && agents[0].Metrics.CPUPercent == 42 && agents[0].Metrics.SessionWorkers == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected heartbeat metrics to be recorded")
}

func TestSendCommandCorrelatesResult(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	defer h.Close()

	client := newTestClient("node-a", h)
	h.Register(client)

	go func() {
		raw := <-client.Send
		var env Envelope
		_ = json.Unmarshal(raw, &env)
		var cmd CommandPayload
		_ = json.Unmarshal(env.Payload, &cmd)

		h.HandleMessage(client, []byte(`{"type":"result","id":"x","payload":{"command_id":"`+env.ID+`","exit_code":0,"stdout":"ran: `+cmd.Command+`"}}`))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := h.SendCommand(ctx, "node-a", CommandPayload{Kind: CommandExec, Command: "uptime"})
	if err != nil {
		t.Fatalf("send command: %v", err)
	}
	if result.Stdout != "ran: uptime" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSendCommandToUnknownAgent(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	defer h.Close()

	_, err := h.SendCommand(context.Background(), "node-x", CommandPayload{Kind: CommandExec, Command: "true"})
	if !errors.Is(err, ErrAgentNotConnected) {
		t.Fatalf("expected ErrAgentNotConnected, got %v", err)
	}
}

func TestUnregisterReleasesPendingCommands(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	defer h.Close()

	client := newTestClient("node-a", h)
	h.Register(client)

	go func() {
		<-client.Send
		h.Unregister(client)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.SendCommand(ctx, "node-a", CommandPayload{Kind: CommandExec, Command: "sleep 100"})
	if !errors.Is(err, ErrAgentDisconnected) {
		t.Fatalf("expected ErrAgentDisconnected, got %v", err)
	}
}

func TestSendToAgentDoesNotBlockOnFullBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	defer h.Close()

	client := &AgentClient{ID: "node-a", Send: make(chan []byte, 1), Done: make(chan struct{}), hub: h}
	client.Send <- []byte(`{"type":"occupied"}`)
	h.clients.Store(client.ID, client)

	done := make(chan error, 1)
	go func() {
		env, _ := NewEnvelope(Config, "", ConfigPayload{})
		done <- h.SendToAgent(client.ID, env)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error for a full send buffer")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("SendToAgent blocked on full channel")
	}
}

func TestDropStaleRemovesSilentAgents(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, WithLiveness(time.Minute))
	defer h.Close()

	quiet := newTestClient("node-quiet", h)
	chatty := newTestClient("node-chatty", h)
	h.Register(quiet)
	h.Register(chatty)
	quiet.markSeen(time.Now().Add(-2 * time.Minute))

	if dropped := h.DropStale(time.Now()); dropped != 1 {
		t.Fatalf("expected one stale agent dropped, got %d", dropped)
	}
	if h.Connected("node-quiet") || !h.Connected("node-chatty") {
		t.Fatalf("unexpected connection set: %+v", h.Agents())
	}
}

func TestPushConfigWaitsForAck(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	defer h.Close()

	client := newTestClient("node-a", h)
	h.Register(client)

	go func() {
		raw := <-client.Send
		var env Envelope
		_ = json.Unmarshal(raw, &env)
		h.HandleMessage(client, []byte(`{"type":"ack","payload":{"ref_id":"`+env.ID+`","success":true}}`))
	}()

	acked, err := h.PushConfig(context.Background(), "node-a", ConfigPayload{HeartbeatIntervalSeconds: 10}, time.Second)
	if err != nil || !acked {
		t.Fatalf("expected acked config, got %v %v", acked, err)
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	defer h.Close()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewAgentClient(r.URL.Query().Get("agent_id"), conn, h)
		h.Register(client)
		client.Start()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?agent_id=node-a"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !h.Connected("node-a") {
		if time.Now().After(deadline) {
			t.Fatal("agent never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != Command {
				continue
			}
			_ = conn.WriteJSON(Envelope{
				Type:      Result,
				ID:        env.ID,
				Timestamp: time.Now().UTC(),
				Payload:   json.RawMessage(`{"command_id":"` + env.ID + `","exit_code":3,"stderr":"boom"}`),
			})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := h.SendCommand(ctx, "node-a", CommandPayload{Kind: CommandExec, Command: "false"})
	if err != nil {
		t.Fatalf("send command: %v", err)
	}
	if result.ExitCode != 3 || result.Stderr != "boom" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestNormalizeType(t *testing.T) {
	t.Parallel()

	cases := map[MsgType]MsgType{
		"REGISTER":       Register,
		"agent-hello":    Register,
		"status_report":  Status,
		"Ping":           Heartbeat,
		"command.result": Result,
		"bogus":          "",
	}
	for raw, want := range cases {
		if got := NormalizeType(raw); got != want {
			t.Fatalf("NormalizeType(%q) = %q, want %q", raw, got, want)
		}
	}
}
