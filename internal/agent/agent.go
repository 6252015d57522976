package agent

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"session-hub/internal/hub"
)

type Config struct {
	HubURL            string        `mapstructure:"hub_url"`
	AgentID           string        `mapstructure:"agent_id"`
	Token             string        `mapstructure:"token"`
	DeployDir         string        `mapstructure:"deploy_dir"`
	ProcessPattern    string        `mapstructure:"process_pattern"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StatusInterval    time.Duration `mapstructure:"status_interval"`
	Workers           int           `mapstructure:"workers"`
}

type frameSender interface {
	Send(msg []byte) error
}

// Agent answers hub commands and reports host metrics on a fixed cadence.
type Agent struct {
	cfg       Config
	version   string
	client    *Client
	sender    frameSender
	collector *Collector
	runner    *Runner
	logger    *zap.Logger

	heartbeatEvery atomic.Int64
	statusEvery    atomic.Int64
	intervalSignal chan struct{}
}

func New(cfg Config, version string, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 60 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	client := NewClient(cfg.HubURL, cfg.AgentID, cfg.Token, logger)
	a := &Agent{
		cfg:            cfg,
		version:        version,
		client:         client,
		sender:         client,
		collector:      NewCollector(cfg.DeployDir, cfg.ProcessPattern),
		runner:         NewRunner(logger),
		logger:         logger,
		intervalSignal: make(chan struct{}, 1),
	}
	a.heartbeatEvery.Store(int64(cfg.HeartbeatInterval))
	a.statusEvery.Store(int64(cfg.StatusInterval))
	client.OnConnect(a.register)
	return a
}

// Run blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.client.Start(ctx)
	}()

	for i := 0; i < a.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reportLoop(ctx)
	}()

	<-ctx.Done()
	a.client.Close()
	wg.Wait()
}

func (a *Agent) register(conn *websocket.Conn) error {
	hostname, _ := os.Hostname()
	env, err := hub.NewEnvelope(hub.Register, "", hub.RegisterPayload{
		AgentID:  a.cfg.AgentID,
		Version:  a.version,
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	})
	if err != nil {
		return err
	}
	env.AgentID = a.cfg.AgentID
	if err := conn.SetWriteDeadline(time.Now().Add(clientWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func (a *Agent) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-a.client.Recv:
			a.handleFrame(ctx, raw)
		}
	}
}

func (a *Agent) handleFrame(ctx context.Context, raw []byte) {
	var env hub.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.logger.Warn("invalid hub frame", zap.Error(err))
		return
	}

	switch hub.NormalizeType(env.Type) {
	case hub.Command:
		var cmd hub.CommandPayload
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			a.emit(hub.Result, hub.ResultPayload{CommandID: env.ID, ExitCode: -1, Error: "decode command: " + err.Error()})
			return
		}
		a.emit(hub.Result, a.runner.Execute(ctx, env.ID, cmd))
	case hub.Config:
		var cfg hub.ConfigPayload
		if err := json.Unmarshal(env.Payload, &cfg); err != nil {
			a.emit(hub.Ack, hub.AckPayload{RefID: env.ID, Error: err.Error()})
			return
		}
		a.applyConfig(cfg)
		a.emit(hub.Ack, hub.AckPayload{RefID: env.ID, Success: true})
	case hub.Ack:
		var ack hub.AckPayload
		_ = json.Unmarshal(env.Payload, &ack)
		if !ack.Success {
			a.logger.Warn("hub rejected frame", zap.String("ref_id", ack.RefID), zap.String("error", ack.Error))
		}
	default:
		a.logger.Debug("ignoring hub frame", zap.String("type", string(env.Type)))
	}
}

func (a *Agent) applyConfig(cfg hub.ConfigPayload) {
	if cfg.HeartbeatIntervalSeconds > 0 {
		a.heartbeatEvery.Store(int64(time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second))
	}
	if cfg.StatusIntervalSeconds > 0 {
		a.statusEvery.Store(int64(time.Duration(cfg.StatusIntervalSeconds) * time.Second))
	}
	a.collector.Retarget(cfg.DeployDir, cfg.ProcessPattern)
	select {
	case a.intervalSignal <- struct{}{}:
	default:
	}
	a.logger.Info("hub config applied",
		zap.Int("heartbeat_seconds", cfg.HeartbeatIntervalSeconds),
		zap.Int("status_seconds", cfg.StatusIntervalSeconds))
}

func (a *Agent) reportLoop(ctx context.Context) {
	heartbeat := time.NewTicker(time.Duration(a.heartbeatEvery.Load()))
	defer heartbeat.Stop()
	status := time.NewTicker(time.Duration(a.statusEvery.Load()))
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.intervalSignal:
			heartbeat.Reset(time.Duration(a.heartbeatEvery.Load()))
			status.Reset(time.Duration(a.statusEvery.Load()))
		case <-heartbeat.C:
			a.emit(hub.Heartbeat, a.collector.Collect(ctx))
		case <-status.C:
			a.emit(hub.Status, a.collector.Collect(ctx))
		}
	}
}

func (a *Agent) emit(msgType hub.MsgType, payload any) {
	env, err := hub.NewEnvelope(msgType, "", payload)
	if err != nil {
		a.logger.Warn("encode frame failed", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	env.AgentID = a.cfg.AgentID
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := a.sender.Send(raw); err != nil {
		a.logger.Debug("send frame failed", zap.String("type", string(msgType)), zap.Error(err))
	}
}
