package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"session-hub/internal/audit"
	"session-hub/internal/coordination"
	"session-hub/internal/dispatch"
	"session-hub/internal/fleet"
	"session-hub/internal/model"
	"session-hub/internal/session"
)

const EnvPrefix = "SESSION_HUB"

type Config struct {
	App struct {
		Env string `mapstructure:"env"`
	} `mapstructure:"app"`
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Database struct {
		URL         string        `mapstructure:"url"`
		MaxConns    int           `mapstructure:"max_conns"`
		PingTimeout time.Duration `mapstructure:"ping_timeout"`
	} `mapstructure:"database"`
	Log struct {
		Level    string `mapstructure:"level"`
		Encoding string `mapstructure:"encoding"`
		Buffer   int    `mapstructure:"buffer"`
	} `mapstructure:"log"`
	Security struct {
		AgentHMACSecret     string `mapstructure:"agent_hmac_secret"`
		AgentHMACSecretFile string `mapstructure:"agent_hmac_secret_file"`
		// AdminTokenHash is a bcrypt hash of the operator token.
		AdminTokenHash string `mapstructure:"admin_token_hash"`
		InternalToken  string `mapstructure:"internal_token"`
	} `mapstructure:"security"`
	CORS struct {
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"cors"`
	Redis struct {
		Addr      string `mapstructure:"addr"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`
	Kafka struct {
		Enabled           bool `mapstructure:"enabled"`
		audit.KafkaConfig `mapstructure:",squash"`
	} `mapstructure:"kafka"`
	Sessions     SessionsConfig      `mapstructure:"sessions"`
	Dispatch     dispatch.Config     `mapstructure:"dispatch"`
	Coordination coordination.Config `mapstructure:"coordination"`
	Hub          HubConfig           `mapstructure:"hub"`
	Fleet        FleetConfig         `mapstructure:"fleet"`
}

type SessionsConfig struct {
	session.Config `mapstructure:",squash"`
	Roles          []string       `mapstructure:"roles"`
	AutoStart      bool           `mapstructure:"auto_start"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	APIBase     string        `mapstructure:"api_base"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

type HubConfig struct {
	LivenessWindow    time.Duration `mapstructure:"liveness_window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StatusInterval    time.Duration `mapstructure:"status_interval"`
}

type FleetConfig struct {
	Nodes   map[string]model.ServerNode `mapstructure:"nodes"`
	Policy  fleet.PolicyConfig          `mapstructure:"policy"`
	Monitor fleet.MonitorConfig         `mapstructure:"monitor"`
	Weights fleet.ScoreWeights          `mapstructure:"weights"`
}

// ServerNodes returns the configured nodes sorted by id, with the map key
// copied into each node's ID.
func (f FleetConfig) ServerNodes() []model.ServerNode {
	nodes := make([]model.ServerNode, 0, len(f.Nodes))
	for id, node := range f.Nodes {
		node.ID = id
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.App.Env, "development")
}

// Load reads config.yaml from the working directory, or path when set, then
// applies SESSION_HUB_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return Config{}, fmt.Errorf("read config file failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config failed: %w", err)
	}

	if strings.TrimSpace(cfg.Security.AgentHMACSecret) == "" && strings.TrimSpace(cfg.Security.AgentHMACSecretFile) != "" {
		// #nosec G304 -- path is provided by operator config.
		raw, err := os.ReadFile(strings.TrimSpace(cfg.Security.AgentHMACSecretFile))
		if err != nil {
			return Config{}, fmt.Errorf("read security.agent_hmac_secret_file failed: %w", err)
		}
		cfg.Security.AgentHMACSecret = strings.TrimSpace(string(raw))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "production")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.ping_timeout", "3s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.buffer", 1000)
	v.SetDefault("security.agent_hmac_secret", "")
	v.SetDefault("security.agent_hmac_secret_file", "")
	v.SetDefault("security.admin_token_hash", "")
	v.SetDefault("security.internal_token", "")
	v.SetDefault("cors.allow_origins", []string{"http://localhost:5173"})
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "session-hub:lock:")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "session-hub.account-events")
	v.SetDefault("kafka.client_id", "session-hub")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("kafka.batch_timeout", "1s")

	v.SetDefault("sessions.allowed_groups", []string{})
	v.SetDefault("sessions.connect_timeout", "30s")
	v.SetDefault("sessions.disconnect_timeout", "10s")
	v.SetDefault("sessions.heartbeat_interval", "30s")
	v.SetDefault("sessions.roles", []string{})
	v.SetDefault("sessions.auto_start", true)
	v.SetDefault("sessions.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("sessions.telegram.poll_timeout", "25s")

	v.SetDefault("dispatch.strategy", string(dispatch.StrategyRoundRobin))
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.retry_backoff", "2s")
	v.SetDefault("dispatch.send_timeout", "30s")
	v.SetDefault("dispatch.account_limit.per_minute", 20)
	v.SetDefault("dispatch.account_limit.burst", 5)
	v.SetDefault("dispatch.account_limit.burst_window", "10s")
	v.SetDefault("dispatch.group_limit.per_minute", 20)
	v.SetDefault("dispatch.group_limit.burst", 5)
	v.SetDefault("dispatch.group_limit.burst_window", "10s")

	v.SetDefault("coordination.lock_ttl", "60s")
	v.SetDefault("coordination.sweep_interval", "60s")
	v.SetDefault("coordination.recent_window", "10m")
	v.SetDefault("coordination.lock_backend", "memory")

	v.SetDefault("hub.liveness_window", "60s")
	v.SetDefault("hub.heartbeat_interval", "20s")
	v.SetDefault("hub.status_interval", "30s")

	v.SetDefault("fleet.policy.default_strategy", string(model.StrategyLoadBalance))
	v.SetDefault("fleet.policy.fault_recovery.enabled", true)
	v.SetDefault("fleet.policy.fault_recovery.check_interval_seconds", 60)
	v.SetDefault("fleet.policy.fault_recovery.failure_threshold", 3)
	v.SetDefault("fleet.policy.fault_recovery.max_migrations", 10)
	v.SetDefault("fleet.policy.rebalance.schedule", "")
	v.SetDefault("fleet.policy.rebalance.threshold_percent", 20)
	v.SetDefault("fleet.policy.rebalance.max_migrations", 10)
	v.SetDefault("fleet.monitor.poll_interval", "30s")
	v.SetDefault("fleet.monitor.command_timeout", "10s")
	v.SetDefault("fleet.monitor.concurrency", 8)
	v.SetDefault("fleet.monitor.process_pattern", "session-worker")
	v.SetDefault("fleet.monitor.latency_ceiling", "500ms")
	weights := fleet.DefaultScoreWeights()
	v.SetDefault("fleet.weights.cpu", weights.CPU)
	v.SetDefault("fleet.weights.memory", weights.Memory)
	v.SetDefault("fleet.weights.disk", weights.Disk)
	v.SetDefault("fleet.weights.capacity", weights.Capacity)
	v.SetDefault("fleet.weights.latency", weights.Latency)
}

func (c Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Database.MaxConns <= 0 {
		return errors.New("database.max_conns must be greater than 0")
	}
	if c.Database.PingTimeout <= 0 {
		return errors.New("database.ping_timeout must be greater than 0")
	}
	if strings.TrimSpace(c.Security.AdminTokenHash) == "" {
		return errors.New("security.admin_token_hash is required")
	}
	if len(c.Fleet.Nodes) > 0 && strings.TrimSpace(c.Security.AgentHMACSecret) == "" {
		return errors.New("security.agent_hmac_secret is required when fleet.nodes are configured")
	}

	for _, origin := range c.CORS.AllowOrigins {
		if strings.TrimSpace(origin) == "*" {
			return errors.New("cors.allow_origins must not contain wildcard *")
		}
	}

	switch c.Dispatch.Strategy {
	case dispatch.StrategyRoundRobin, dispatch.StrategyWeighted, dispatch.StrategyHostPriority:
	default:
		return fmt.Errorf("dispatch.strategy %q is not supported", c.Dispatch.Strategy)
	}

	switch strings.ToLower(c.Coordination.LockBackend) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis.addr is required when coordination.lock_backend is redis")
		}
	default:
		return fmt.Errorf("coordination.lock_backend %q is not supported", c.Coordination.LockBackend)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka.enabled is true")
	}

	for id, node := range c.Fleet.Nodes {
		if strings.TrimSpace(node.Host) == "" {
			return fmt.Errorf("fleet.nodes.%s.host is required", id)
		}
		if node.MaxAccounts <= 0 {
			return fmt.Errorf("fleet.nodes.%s.max_accounts must be greater than 0", id)
		}
		if strings.TrimSpace(node.DeployDir) == "" {
			return fmt.Errorf("fleet.nodes.%s.deploy_dir is required", id)
		}
	}
	if err := c.Fleet.Policy.Validate(); err != nil {
		return fmt.Errorf("fleet.policy: %w", err)
	}
	return nil
}
