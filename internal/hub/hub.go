package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-hub/internal/metrics"
)

const (
	defaultLivenessWindow  = 60 * time.Second
	defaultHeartbeatPeriod = 20 * time.Second
	defaultStatusPeriod    = 30 * time.Second
	defaultAckTimeout      = 10 * time.Second
	messageQueueSize       = 1024
)

var (
	ErrAgentNotConnected = errors.New("agent not connected")
	ErrAgentDisconnected = errors.New("agent disconnected before replying")
	ErrHubClosed         = errors.New("hub closed")
)

type AgentInfo struct {
	ID          string      `json:"id"`
	Version     string      `json:"version,omitempty"`
	Hostname    string      `json:"hostname,omitempty"`
	OS          string      `json:"os,omitempty"`
	Arch        string      `json:"arch,omitempty"`
	ConnectedAt time.Time   `json:"connected_at"`
	LastSeen    time.Time   `json:"last_seen"`
	Metrics     HostMetrics `json:"metrics"`
}

type Option func(*Hub)

// WithLiveness overrides how long an agent may stay silent before it is
// dropped.
func WithLiveness(window time.Duration) Option {
	return func(h *Hub) {
		if window > 0 {
			h.liveness = window
		}
	}
}

// WithAgentConfig sets the config frame sent to every agent that registers.
func WithAgentConfig(cfg ConfigPayload) Option {
	return func(h *Hub) {
		h.agentConfig = cfg
	}
}

type pendingCommand struct {
	agentID string
	result  chan ResultPayload
}

// Hub tracks connected agents, routes their frames and correlates command
// results and acks with the callers waiting for them.
type Hub struct {
	clients sync.Map
	pending sync.Map
	acks    sync.Map

	liveness    time.Duration
	agentConfig ConfigPayload

	messageQueue chan incomingMessage
	workerCount  int
	workerWG     sync.WaitGroup

	logger    *zap.Logger
	stopCh    chan struct{}
	closeOnce sync.Once
}

type incomingMessage struct {
	client *AgentClient
	raw    []byte
}

func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hub{
		liveness: defaultLivenessWindow,
		agentConfig: ConfigPayload{
			HeartbeatIntervalSeconds: int(defaultHeartbeatPeriod / time.Second),
			StatusIntervalSeconds:    int(defaultStatusPeriod / time.Second),
		},
		logger:       logger,
		stopCh:       make(chan struct{}),
		messageQueue: make(chan incomingMessage, messageQueueSize),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.workerCount = runtime.NumCPU()
	if h.workerCount < 2 {
		h.workerCount = 2
	}
	for idx := 0; idx < h.workerCount; idx++ {
		h.workerWG.Add(1)
		go h.messageWorker()
	}
	go h.livenessLoop()

	return h
}

func (h *Hub) Register(client *AgentClient) {
	if client == nil {
		return
	}

	if current, loaded := h.clients.Load(client.ID); loaded {
		if previous, ok := current.(*AgentClient); ok && previous != client {
			h.logger.Info("agent reconnected, closing previous connection", zap.String("agent_id", client.ID))
			previous.closeConn()
		}
	}

	h.clients.Store(client.ID, client)
	client.markSeen(time.Now().UTC())
	metrics.SetAgentConnections(h.count())
	h.logger.Info("agent connected", zap.String("agent_id", client.ID))
}

func (h *Hub) Unregister(client *AgentClient) {
	if client == nil {
		return
	}

	current, loaded := h.clients.Load(client.ID)
	if !loaded {
		return
	}
	if active, ok := current.(*AgentClient); ok && active != client {
		return
	}
	h.clients.Delete(client.ID)

	h.failPending(client.ID)
	metrics.SetAgentConnections(h.count())
	metrics.ObserveAgentConnectionDuration(client.ID, time.Since(client.connectedAt))
	h.logger.Info("agent disconnected", zap.String("agent_id", client.ID))
}

func (h *Hub) HandleMessage(client *AgentClient, raw []byte) {
	if client == nil || len(raw) == 0 {
		return
	}

	job := incomingMessage{client: client, raw: append([]byte(nil), raw...)}
	select {
	case <-h.stopCh:
	case h.messageQueue <- job:
	default:
		h.logger.Warn("agent message queue full, dropping message", zap.String("agent_id", client.ID))
	}
}

func (h *Hub) processIncomingMessage(client *AgentClient, raw []byte) {
	var msg Envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("invalid agent frame", zap.String("agent_id", client.ID), zap.Error(err))
		return
	}

	msgType := NormalizeType(msg.Type)
	client.markSeen(time.Now().UTC())

	switch msgType {
	case Register:
		h.handleRegister(client, msg)
	case Status, Heartbeat:
		h.handleMetrics(client, msg)
	case Result:
		h.handleResult(client, msg)
	case Ack:
		h.handleAck(msg)
	default:
		h.logger.Debug("ignoring agent frame", zap.String("agent_id", client.ID), zap.String("type", string(msg.Type)))
	}
}

func (h *Hub) handleRegister(client *AgentClient, msg Envelope) {
	var payload RegisterPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.logger.Warn("invalid register payload", zap.String("agent_id", client.ID), zap.Error(err))
			h.reply(client, Ack, AckPayload{RefID: msg.ID, Error: err.Error()})
			return
		}
	}
	if id := strings.TrimSpace(payload.AgentID); id != "" && id != client.ID {
		h.logger.Warn("agent registered with mismatched id",
			zap.String("agent_id", client.ID), zap.String("claimed_id", id))
		h.reply(client, Ack, AckPayload{RefID: msg.ID, Error: "agent id does not match token"})
		return
	}

	payload.AgentID = client.ID
	client.setInfo(payload)
	h.reply(client, Ack, AckPayload{RefID: msg.ID, Success: true})
	h.reply(client, Config, h.agentConfig)
	h.logger.Info("agent registered",
		zap.String("agent_id", client.ID),
		zap.String("version", payload.Version),
		zap.String("hostname", payload.Hostname))
}

func (h *Hub) handleMetrics(client *AgentClient, msg Envelope) {
	if len(msg.Payload) == 0 {
		return
	}
	var payload HostMetrics
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.logger.Warn("invalid metrics payload", zap.String("agent_id", client.ID), zap.Error(err))
		return
	}
	client.setMetrics(payload)
}

func (h *Hub) handleResult(client *AgentClient, msg Envelope) {
	var payload ResultPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.logger.Warn("invalid result payload", zap.String("agent_id", client.ID), zap.Error(err))
		return
	}
	commandID := strings.TrimSpace(payload.CommandID)
	if commandID == "" {
		commandID = strings.TrimSpace(msg.ID)
	}

	waiterAny, ok := h.pending.LoadAndDelete(commandID)
	if !ok {
		h.logger.Debug("result for unknown command", zap.String("agent_id", client.ID), zap.String("command_id", commandID))
		return
	}
	waiter := waiterAny.(*pendingCommand)
	select {
	case waiter.result <- payload:
	default:
	}
}

func (h *Hub) handleAck(msg Envelope) {
	var payload AckPayload
	_ = json.Unmarshal(msg.Payload, &payload)
	refID := strings.TrimSpace(payload.RefID)
	if refID == "" {
		refID = strings.TrimSpace(msg.ID)
	}
	if refID == "" {
		return
	}

	waiterAny, ok := h.acks.LoadAndDelete(refID)
	if !ok {
		return
	}
	waiter, ok := waiterAny.(chan AckPayload)
	if !ok {
		return
	}
	select {
	case waiter <- payload:
	default:
	}
}

// SendCommand delivers a command frame to agentID and waits for its result.
func (h *Hub) SendCommand(ctx context.Context, agentID string, cmd CommandPayload) (ResultPayload, error) {
	commandID := uuid.NewString()
	waiter := &pendingCommand{agentID: agentID, result: make(chan ResultPayload, 1)}
	h.pending.Store(commandID, waiter)
	defer h.pending.Delete(commandID)

	env, err := NewEnvelope(Command, commandID, cmd)
	if err != nil {
		return ResultPayload{}, err
	}
	if err := h.SendToAgent(agentID, env); err != nil {
		return ResultPayload{}, err
	}

	select {
	case <-ctx.Done():
		return ResultPayload{}, ctx.Err()
	case <-h.stopCh:
		return ResultPayload{}, ErrHubClosed
	case result := <-waiter.result:
		if result.Error == ErrAgentDisconnected.Error() {
			return result, fmt.Errorf("%w: %s", ErrAgentDisconnected, agentID)
		}
		return result, nil
	}
}

// PushConfig sends a config frame and reports whether the agent acked it in
// time.
func (h *Hub) PushConfig(ctx context.Context, agentID string, cfg ConfigPayload, timeout time.Duration) (bool, error) {
	msgID := uuid.NewString()
	waiter := make(chan AckPayload, 1)
	h.acks.Store(msgID, waiter)
	defer h.acks.Delete(msgID)

	env, err := NewEnvelope(Config, msgID, cfg)
	if err != nil {
		return false, err
	}
	if err := h.SendToAgent(agentID, env); err != nil {
		return false, err
	}

	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, nil
	case ack := <-waiter:
		if !ack.Success && ack.Error != "" {
			return false, errors.New(ack.Error)
		}
		return ack.Success, nil
	}
}

func (h *Hub) SendToAgent(agentID string, env Envelope) error {
	value, ok := h.clients.Load(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, agentID)
	}
	client, ok := value.(*AgentClient)
	if !ok || client == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, agentID)
	}
	return h.sendToClient(client, env)
}

func (h *Hub) Connected(agentID string) bool {
	_, ok := h.clients.Load(agentID)
	return ok
}

// Agents lists connected agents ordered by id.
func (h *Hub) Agents() []AgentInfo {
	out := make([]AgentInfo, 0)
	h.clients.Range(func(_, value any) bool {
		if client, ok := value.(*AgentClient); ok && client != nil {
			out = append(out, client.snapshot())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DropStale disconnects every agent silent for longer than the liveness
// window and returns how many were dropped.
func (h *Hub) DropStale(now time.Time) int {
	dropped := 0
	h.clients.Range(func(_, value any) bool {
		client, ok := value.(*AgentClient)
		if !ok || client == nil {
			return true
		}
		idle := now.Sub(client.LastSeen())
		if idle <= h.liveness {
			return true
		}
		h.logger.Warn("agent heartbeat timeout", zap.String("agent_id", client.ID), zap.Duration("idle", idle))
		client.closeConn()
		client.unregister()
		dropped++
		return true
	})
	return dropped
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.stopCh)
		h.clients.Range(func(_, value any) bool {
			if client, ok := value.(*AgentClient); ok && client != nil {
				client.closeConn()
			}
			return true
		})
	})
	h.workerWG.Wait()
}

func (h *Hub) messageWorker() {
	defer h.workerWG.Done()

	for {
		select {
		case <-h.stopCh:
			return
		case job := <-h.messageQueue:
			h.processIncomingMessage(job.client, job.raw)
		}
	}
}

func (h *Hub) livenessLoop() {
	ticker := time.NewTicker(h.liveness / 4)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case now := <-ticker.C:
			h.DropStale(now)
		}
	}
}

func (h *Hub) reply(client *AgentClient, msgType MsgType, payload any) {
	env, err := NewEnvelope(msgType, "", payload)
	if err != nil {
		h.logger.Warn("encode agent frame failed", zap.String("agent_id", client.ID), zap.Error(err))
		return
	}
	if err := h.sendToClient(client, env); err != nil {
		h.logger.Warn("send agent frame failed", zap.String("agent_id", client.ID), zap.Error(err))
	}
}

func (h *Hub) sendToClient(client *AgentClient, env Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	env.AgentID = client.ID

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-client.Done:
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, client.ID)
	case client.Send <- raw:
		return nil
	default:
		h.logger.Warn("agent send buffer full, dropping frame",
			zap.String("agent_id", client.ID),
			zap.String("type", string(env.Type)))
		return fmt.Errorf("agent %s send buffer full", client.ID)
	}
}

// failPending releases callers still waiting on commands sent to agentID.
func (h *Hub) failPending(agentID string) {
	h.pending.Range(func(key, value any) bool {
		waiter, ok := value.(*pendingCommand)
		if !ok || waiter.agentID != agentID {
			return true
		}
		h.pending.Delete(key)
		select {
		case waiter.result <- ResultPayload{CommandID: key.(string), ExitCode: -1, Error: ErrAgentDisconnected.Error()}:
		default:
		}
		return true
	})
}

func (h *Hub) count() int {
	total := 0
	h.clients.Range(func(_, _ any) bool {
		total++
		return true
	})
	return total
}
