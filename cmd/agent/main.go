package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"session-hub/internal/agent"
	"session-hub/pkg/crypto"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

const envPrefix = "SESSION_AGENT"

type Config struct {
	Agent agent.Config `mapstructure:"agent"`
	// HMACSecret derives the hub token when agent.token is empty.
	HMACSecret string `mapstructure:"hmac_secret"`
	Log        struct {
		Level    string `mapstructure:"level"`
		Encoding string `mapstructure:"encoding"`
	} `mapstructure:"log"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "agent exited with error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("session-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "agent config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("agent starting",
		zap.String("agent_id", cfg.Agent.AgentID),
		zap.String("hub_url", cfg.Agent.HubURL),
		zap.String("version", Version),
		zap.String("commit", Commit))

	agent.New(cfg.Agent, Version, logger).Run(ctx)

	logger.Info("agent stopped")
	return nil
}

func loadConfig(path string) (Config, error) {
	v := viper.New()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/session-agent")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("agent.hub_url", "ws://127.0.0.1:8080/ws/agent")
	v.SetDefault("agent.agent_id", "")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.deploy_dir", "/srv/sessions")
	v.SetDefault("agent.process_pattern", "session-worker")
	v.SetDefault("agent.heartbeat_interval", "20s")
	v.SetDefault("agent.status_interval", "30s")
	v.SetDefault("agent.workers", 4)
	v.SetDefault("hmac_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

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

	cfg.Agent.AgentID = strings.TrimSpace(cfg.Agent.AgentID)
	if cfg.Agent.AgentID == "" {
		return Config{}, errors.New("agent.agent_id is required")
	}
	if strings.TrimSpace(cfg.Agent.Token) == "" {
		cfg.Agent.Token = crypto.AgentToken(cfg.Agent.AgentID, cfg.HMACSecret)
	}
	if cfg.Agent.Token == "" {
		return Config{}, errors.New("agent.token or hmac_secret is required")
	}
	return cfg, nil
}

func newLogger(cfg Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Log.Level != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return nil, fmt.Errorf("invalid log.level: %w", err)
		}
	}
	if cfg.Log.Encoding != "" {
		zapCfg.Encoding = cfg.Log.Encoding
	}
	return zapCfg.Build()
}
