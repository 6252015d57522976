package hub

import (
	"encoding/json"
	"strings"
	"time"
)

type MsgType string

const (
	// agent -> hub
	Register  MsgType = "register"
	Status    MsgType = "status"
	Heartbeat MsgType = "heartbeat"
	Result    MsgType = "result"

	// hub -> agent
	Command MsgType = "command"
	Config  MsgType = "config"
	Ack     MsgType = "ack"
)

const (
	CommandExec      = "exec"
	CommandWriteFile = "write_file"
)

// Envelope is the single frame format of the control channel in both
// directions.
type Envelope struct {
	Type      MsgType         `json:"type"`
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(msgType MsgType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, ID: strings.TrimSpace(id), Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

type RegisterPayload struct {
	AgentID  string `json:"agent_id"`
	Version  string `json:"version"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
}

// HostMetrics is carried by status and heartbeat frames.
type HostMetrics struct {
	CPUPercent     float64 `json:"cpu"`
	MemPercent     float64 `json:"mem"`
	DiskPercent    float64 `json:"disk"`
	SessionWorkers int     `json:"session_workers"`
	Goroutines     int     `json:"goroutines"`
	UptimeSeconds  uint64  `json:"uptime_seconds"`
}

type CommandPayload struct {
	Kind           string `json:"kind"`
	Command        string `json:"command,omitempty"`
	Path           string `json:"path,omitempty"`
	ContentBase64  string `json:"content_base64,omitempty"`
	Mode           uint32 `json:"mode,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type ResultPayload struct {
	CommandID  string `json:"command_id"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type ConfigPayload struct {
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
	StatusIntervalSeconds    int    `json:"status_interval_seconds"`
	DeployDir                string `json:"deploy_dir,omitempty"`
	ProcessPattern           string `json:"process_pattern,omitempty"`
}

type AckPayload struct {
	RefID   string `json:"ref_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NormalizeType accepts case and separator variants of the frame types.
func NormalizeType(raw MsgType) MsgType {
	normalized := strings.ToLower(strings.TrimSpace(string(raw)))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, ".", "_")

	switch normalized {
	case "register", "hello", "agent_hello":
		return Register
	case "status", "status_report":
		return Status
	case "heartbeat", "ping":
		return Heartbeat
	case "result", "command_result":
		return Result
	case "command":
		return Command
	case "config", "config_push":
		return Config
	case "ack":
		return Ack
	default:
		return ""
	}
}
