package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"session-hub/internal/config"
	"session-hub/internal/coordination"
	"session-hub/internal/event"
	"session-hub/internal/model"
	"session-hub/internal/session"
	systemlog "session-hub/pkg/logger"
)

const (
	subscriberTimeout = 30 * time.Second
	inboundTimeout    = 5 * time.Second
)

func newLogger(cfg config.Config) (*zap.Logger, *systemlog.SystemLogStore, error) {
	var zapCfg zap.Config
	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	if cfg.Log.Level != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log.level: %w", err)
		}
	}
	if cfg.Log.Encoding != "" {
		zapCfg.Encoding = cfg.Log.Encoding
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build zap logger failed: %w", err)
	}

	logStore := systemlog.NewSystemLogStore(cfg.Log.Buffer)
	logger = systemlog.WrapZapLogger(logger, logStore)
	return logger, logStore, nil
}

func newDBPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database.url failed: %w", err)
	}

	const maxInt32 = int(^uint32(0) >> 1)
	if cfg.Database.MaxConns > maxInt32 {
		return nil, fmt.Errorf("database.max_conns must be <= %d", maxInt32)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns) // #nosec G115 -- validated upper bound above.

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.PingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database failed: %w", err)
	}
	return pool, nil
}

func buildCORSMiddleware(cfg config.Config) gin.HandlerFunc {
	origins := make([]string, 0, len(cfg.CORS.AllowOrigins))
	for _, origin := range cfg.CORS.AllowOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		origins = append(origins, trimmed)
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Admin-Token"},
		ExposeHeaders:    []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type accountPool interface {
	AddByID(ctx context.Context, accountID string) error
	Status(accountID string) (model.AccountStatus, bool)
}

type activityTracker interface {
	SetAccountActive(accountID string, active bool)
}

// registerBusSubscribers brings newly assigned accounts online and keeps
// coordination candidates in step with session status.
func registerBusSubscribers(bus *event.Bus, pool accountPool, coordinator activityTracker, logger *zap.Logger) {
	bus.Subscribe(event.EventAccountAssigned, func(payload any) {
		assigned, ok := payload.(event.AccountAssignedPayload)
		if !ok || assigned.AccountID == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), subscriberTimeout)
		defer cancel()
		if err := pool.AddByID(ctx, assigned.AccountID); err != nil {
			logger.Warn("admit assigned account failed",
				zap.String("account_id", assigned.AccountID),
				zap.String("node_id", assigned.ServerID),
				zap.Error(err))
		}
	})

	// Status changes must land in order, and the pool's current state wins
	// over the payload when the account is still managed.
	bus.SubscribeOrdered(event.EventAccountStatus, func(payload any) {
		changed, ok := payload.(event.AccountStatusPayload)
		if !ok || changed.AccountID == "" {
			return
		}
		status := model.AccountStatus(changed.Status)
		if current, managed := pool.Status(changed.AccountID); managed {
			status = current
		}
		coordinator.SetAccountActive(changed.AccountID, status == model.AccountStatusOnline)
	})

	bus.Subscribe(event.EventNodeFailed, func(payload any) {
		if failed, ok := payload.(event.NodeFailedPayload); ok {
			logger.Warn("fleet node failed",
				zap.String("node_id", failed.NodeID),
				zap.Int("consecutive_failures", failed.ConsecutiveFailures))
		}
	})
	bus.Subscribe(event.EventNodeRecovered, func(payload any) {
		if recovered, ok := payload.(event.NodeRecoveredPayload); ok {
			logger.Info("fleet node recovered", zap.String("node_id", recovered.NodeID))
		}
	})
}

type roleRegistrar interface {
	RegisterAccountRole(accountID, roleID string, priority *model.ReplyPriority)
}

// registerAccountRoles seeds coordination with each account's primary role.
func registerAccountRoles(coordinator roleRegistrar, accounts []*model.Account) {
	for _, account := range accounts {
		if account == nil || len(account.Roles) == 0 {
			continue
		}
		coordinator.RegisterAccountRole(account.ID, account.Roles[0], nil)
	}
}

type replyArbiter interface {
	ShouldReply(ctx context.Context, accountID, groupID, eventID string) (coordination.Decision, error)
}

func newInboundHandler(arbiter replyArbiter, logger *zap.Logger) session.InboundHandler {
	return func(ctx context.Context, accountID string, inbound model.InboundEvent) {
		ctx, cancel := context.WithTimeout(ctx, inboundTimeout)
		defer cancel()

		decision, err := arbiter.ShouldReply(ctx, accountID, inbound.GroupID, inbound.ID)
		if err != nil {
			logger.Warn("reply arbitration failed",
				zap.String("account_id", accountID),
				zap.String("destination", inbound.GroupID),
				zap.String("event_id", inbound.ID),
				zap.Error(err))
			return
		}
		logger.Debug("reply arbitration",
			zap.String("account_id", accountID),
			zap.String("destination", inbound.GroupID),
			zap.String("event_id", inbound.ID),
			zap.Bool("should_reply", decision.ShouldReply),
			zap.String("reason", decision.Reason))
	}
}

// runMigrateCommand handles `migrate [--config path] [up|down|version]`.
func runMigrateCommand(args []string) error {
	configPath, action, err := parseMigrateArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	migrator, err := migrate.New("file://"+migrationsDir(), cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer migrator.Close() //nolint:errcheck

	switch action {
	case "up":
		err = migrator.Up()
	case "down":
		err = migrator.Down()
	case "version":
		version, dirty, verr := migrator.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return nil
		}
		if verr != nil {
			return fmt.Errorf("read migration version: %w", verr)
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return nil
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", action, err)
	}

	fmt.Printf("migrate %s done\n", action)
	return nil
}

func parseMigrateArgs(args []string) (string, string, error) {
	fs := flag.NewFlagSet("session-hub migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return "", "", err
	}

	action := "up"
	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		action = rest[0]
	default:
		return "", "", fmt.Errorf("unexpected arguments: %s", strings.Join(rest[1:], " "))
	}
	switch action {
	case "up", "down", "version":
		return *configPath, action, nil
	default:
		return "", "", fmt.Errorf("unknown migrate action %q", action)
	}
}

// migrationsDir prefers the container path over the source tree.
func migrationsDir() string {
	if info, err := os.Stat("/migrations"); err == nil && info.IsDir() {
		return "/migrations"
	}
	return "./migrations"
}

// runHealthcheck probes the readiness endpoint of a locally running hub. The
// port follows SESSION_HUB_SERVER_PORT so container probes match the server.
func runHealthcheck() int {
	port := os.Getenv("SESSION_HUB_SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("http://127.0.0.1:" + port + "/health/ready")
	if err != nil {
		return 1
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func sanitizeCLIError(err error) string {
	if err == nil {
		return ""
	}

	text := strings.ReplaceAll(err.Error(), "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return strings.TrimSpace(text)
}
