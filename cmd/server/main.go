package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"session-hub/internal/api"
	"session-hub/internal/api/middleware"
	"session-hub/internal/audit"
	"session-hub/internal/config"
	"session-hub/internal/coordination"
	"session-hub/internal/dispatch"
	"session-hub/internal/event"
	"session-hub/internal/fleet"
	hubpkg "session-hub/internal/hub"
	"session-hub/internal/model"
	"session-hub/internal/repository/postgres"
	"session-hub/internal/scheduler"
	schedulerjobs "session-hub/internal/scheduler/jobs"
	"session-hub/internal/session"
	"session-hub/internal/sse"
	"session-hub/pkg/telegram"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			os.Exit(runHealthcheck())
		case "migrate":
			if err := runMigrateCommand(os.Args[2:]); err != nil {
				// #nosec G705 -- CLI output only; control characters are stripped.
				fmt.Fprintln(os.Stderr, sanitizeCLIError(err))
				os.Exit(1)
			}
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		// #nosec G705 -- CLI output only; control characters are stripped.
		fmt.Fprintln(os.Stderr, sanitizeCLIError(err))
		os.Exit(1)
	}
}

func parseConfigFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *configPath, nil
}

func run(ctx context.Context, args []string) error {
	configPath, err := parseConfigFlag("session-hub", args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, systemLogStore, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	dbPool, err := newDBPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbPool.Close()

	accountRepo := postgres.NewAccountRepository(dbPool)
	allocationRepo := postgres.NewAllocationRepository(dbPool)
	accountEventRepo := postgres.NewAccountEventRepository(dbPool)

	sinks := []audit.Sink{audit.NewRepositorySink(accountEventRepo)}
	if cfg.Kafka.Enabled {
		kafkaSink, err := audit.NewKafkaSink(cfg.Kafka.KafkaConfig)
		if err != nil {
			return fmt.Errorf("init kafka sink: %w", err)
		}
		defer kafkaSink.Close() //nolint:errcheck
		sinks = append(sinks, kafkaSink)
	}
	auditLog := audit.NewLog(logger, cfg.Log.Buffer, sinks...)
	auditLog.Start()

	eventBus := event.NewBus(event.WithLogger(logger))

	lockStore, closeLockStore, err := newLockStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init reply lock store: %w", err)
	}
	defer closeLockStore()
	pool := session.NewPool(
		cfg.Sessions.Config,
		accountRepo,
		telegram.NewFactory(telegram.Config{
			APIBase:     cfg.Sessions.Telegram.APIBase,
			PollTimeout: cfg.Sessions.Telegram.PollTimeout,
		}, logger),
		auditLog,
		eventBus,
		logger,
	)
	coordinator := coordination.NewManager(cfg.Coordination, lockStore, logger,
		coordination.WithActivityLookup(func(accountID string) bool {
			status, ok := pool.Status(accountID)
			return ok && status == model.AccountStatusOnline
		}),
	)
	pool.SetEventHandler(newInboundHandler(coordinator, logger))

	dispatcher := dispatch.NewManager(cfg.Dispatch, pool, auditLog, logger)

	hub := hubpkg.NewHub(logger,
		hubpkg.WithLiveness(cfg.Hub.LivenessWindow),
		hubpkg.WithAgentConfig(hubpkg.ConfigPayload{
			HeartbeatIntervalSeconds: int(cfg.Hub.HeartbeatInterval / time.Second),
			StatusIntervalSeconds:    int(cfg.Hub.StatusInterval / time.Second),
			ProcessPattern:           cfg.Fleet.Monitor.ProcessPattern,
		}),
	)
	defer hub.Close()
	executor := hubpkg.NewExecutor(hub, logger)

	monitor := fleet.NewMonitor(cfg.Fleet.Monitor, cfg.Fleet.ServerNodes(), executor, accountRepo, logger)
	allocator := fleet.NewAllocator(
		cfg.Fleet.Policy,
		monitor,
		fleet.NewLoadBalancer(cfg.Fleet.Weights, cfg.Fleet.Monitor.LatencyCeiling),
		fleet.NewRemoteCredentialPlacer(executor, cfg.Fleet.Monitor.CommandTimeout),
		accountRepo,
		allocationRepo,
		auditLog,
		eventBus,
		logger,
	)
	recovery := fleet.NewFaultRecovery(allocator.Policy().FaultRecovery, monitor, allocator, eventBus, logger)

	registerBusSubscribers(eventBus, pool, coordinator, logger)
	eventStream := sse.NewStream(cfg.Hub.HeartbeatInterval, logger)
	defer eventStream.Close()
	eventStream.Relay(eventBus)

	loaded, err := pool.Load(ctx, session.LoadFilter{Roles: cfg.Sessions.Roles})
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	registerAccountRoles(coordinator, loaded)
	if cfg.Sessions.AutoStart {
		if err := pool.Start(ctx); err != nil {
			return fmt.Errorf("start session pool: %w", err)
		}
	}

	cronRunner := scheduler.NewScheduler(scheduler.Deps{
		CoordinationJob: schedulerjobs.NewCoordinationJob(coordinator, logger),
		FleetJob:        schedulerjobs.NewFleetJob(allocator, recovery, logger),
		SessionJob:      schedulerjobs.NewSessionJob(pool, logger),
		Specs: scheduler.Specs{
			LockSweep:        scheduler.Every(cfg.Coordination.SweepInterval),
			ServerPoll:       scheduler.Every(cfg.Fleet.Monitor.PollInterval),
			FaultCheck:       scheduler.Every(recovery.Interval()),
			Rebalance:        allocator.Policy().Rebalance.Schedule,
			SessionHeartbeat: scheduler.Every(cfg.Sessions.HeartbeatInterval),
		},
	}, logger)
	cronRunner.Start()
	defer func() {
		stopCtx := cronRunner.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(2 * time.Second):
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(buildCORSMiddleware(cfg))
	router.Use(middleware.RequestLogger(logger))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	readyHandler := func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), cfg.Database.PingTimeout)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"error":  "database unavailable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "accounts_online": len(pool.OnlineAccounts())})
	}
	router.GET("/health", healthHandler)
	router.GET("/health/ready", readyHandler)

	internalMetrics := router.Group("/internal")
	internalMetrics.Use(middleware.InternalTokenAuth(cfg.Security.InternalToken))
	internalMetrics.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.RegisterAdminRoutes(router, cfg.Security.AdminTokenHash, api.AdminServices{
		Allocations:  allocator,
		Servers:      allocator,
		NodeHealth:   recovery,
		Dispatch:     dispatcher,
		Coordination: coordinator,
		Accounts:     pool,
		Agents:       hub,
		Logs:         systemLogStore,
		Events:       eventStream,
	})
	api.RegisterAgentRoutes(router, hub, cfg.Security.AgentHMACSecret, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	logger.Info("server started",
		zap.String("addr", srv.Addr),
		zap.Int("nodes", len(cfg.Fleet.Nodes)),
		zap.Int("accounts", len(loaded)),
		zap.String("dispatch_strategy", string(dispatcher.Strategy())),
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_time", BuildTime),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErrCh:
		if err != nil {
			return fmt.Errorf("server exited unexpectedly: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown server failed", zap.Error(err))
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("stop session pool failed", zap.Error(err))
	}
	if err := auditLog.Close(shutdownCtx); err != nil {
		logger.Warn("flush account events failed", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// newLockStore picks the reply lock backend. The returned close func is
// always safe to call.
func newLockStore(ctx context.Context, cfg config.Config) (coordination.LockStore, func(), error) {
	if cfg.Coordination.LockBackend != "redis" {
		return coordination.NewMemoryLockStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	store, err := coordination.NewRedisLockStore(client, cfg.Redis.KeyPrefix)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}
