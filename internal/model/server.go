package model

import "time"

const (
	ServerStatusOnline = "online"
	ServerStatusError  = "error"
)

// ServerNode is one worker machine from the fleet configuration.
type ServerNode struct {
	ID          string `mapstructure:"-" json:"id"`
	Host        string `mapstructure:"host" json:"host"`
	Port        int    `mapstructure:"port" json:"port"`
	User        string `mapstructure:"user" json:"user"`
	Password    string `mapstructure:"password" json:"-"`
	DeployDir   string `mapstructure:"deploy_dir" json:"deploy_dir"`
	MaxAccounts int    `mapstructure:"max_accounts" json:"max_accounts"`
	Location    string `mapstructure:"location" json:"location,omitempty"`
}

type ServerMetrics struct {
	NodeID          string        `json:"node_id"`
	Location        string        `json:"location,omitempty"`
	CPUUsage        float64       `json:"cpu_usage"`
	MemoryUsage     float64       `json:"memory_usage"`
	DiskUsage       float64       `json:"disk_usage"`
	CurrentAccounts int           `json:"current_accounts"`
	MaxAccounts     int           `json:"max_accounts"`
	AccountSource   string        `json:"account_source"`
	ProcessRunning  bool          `json:"process_running"`
	ProcessCount    int           `json:"process_count"`
	SessionFiles    int           `json:"session_files"`
	NetworkLatency  time.Duration `json:"network_latency"`
	Status          string        `json:"status"`
	Quarantined     bool          `json:"quarantined"`
	Error           string        `json:"error,omitempty"`
	SampledAt       time.Time     `json:"sampled_at"`
}

func (m ServerMetrics) HasCapacity() bool {
	return m.MaxAccounts > 0 && m.CurrentAccounts < m.MaxAccounts
}

// Allocatable reports whether the node may receive new accounts.
func (m ServerMetrics) Allocatable() bool {
	return m.Status == ServerStatusOnline && !m.Quarantined && m.HasCapacity()
}

// LoadScore components are normalised to 0..100; a higher TotalScore means a
// more loaded, less desirable node.
type LoadScore struct {
	NodeID        string  `json:"node_id"`
	CPUScore      float64 `json:"cpu_score"`
	MemoryScore   float64 `json:"memory_score"`
	DiskScore     float64 `json:"disk_score"`
	CapacityScore float64 `json:"capacity_score"`
	LatencyScore  float64 `json:"latency_score"`
	TotalScore    float64 `json:"total_score"`
}

type ServerRanking struct {
	NodeID string  `json:"node_id"`
	Score  float64 `json:"score"`
}
