package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultLockSweepSpec        = "@every 60s"
	defaultServerPollSpec       = "@every 30s"
	defaultFaultCheckSpec       = "@every 60s"
	defaultSessionHeartbeatSpec = "@every 30s"
)

type CoordinationTask interface {
	SweepLocks()
}

type FleetTask interface {
	PollServers()
	CheckFaults()
	Rebalance()
}

type SessionTask interface {
	Heartbeat()
}

// Specs holds cron specs. Empty entries fall back to the defaults, except
// Rebalance, which stays disabled when empty.
type Specs struct {
	LockSweep        string
	ServerPoll       string
	FaultCheck       string
	Rebalance        string
	SessionHeartbeat string
}

type Deps struct {
	CoordinationJob CoordinationTask
	FleetJob        FleetTask
	SessionJob      SessionTask
	Specs           Specs
}

// Every converts an interval to an "@every" spec; non-positive intervals
// yield an empty spec.
func Every(interval time.Duration) string {
	if interval <= 0 {
		return ""
	}
	return fmt.Sprintf("@every %s", interval)
}

func NewScheduler(deps Deps, logger *zap.Logger) *cron.Cron {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	specs := deps.Specs

	if deps.CoordinationJob != nil {
		addFunc(c, orDefault(specs.LockSweep, defaultLockSweepSpec), "coordination.sweep_locks", logger, deps.CoordinationJob.SweepLocks)
	}
	if deps.FleetJob != nil {
		addFunc(c, orDefault(specs.ServerPoll, defaultServerPollSpec), "fleet.poll_servers", logger, deps.FleetJob.PollServers)
		addFunc(c, orDefault(specs.FaultCheck, defaultFaultCheckSpec), "fleet.check_faults", logger, deps.FleetJob.CheckFaults)
		if specs.Rebalance != "" {
			addFunc(c, specs.Rebalance, "fleet.rebalance", logger, deps.FleetJob.Rebalance)
		}
	}
	if deps.SessionJob != nil {
		addFunc(c, orDefault(specs.SessionHeartbeat, defaultSessionHeartbeatSpec), "sessions.heartbeat", logger, deps.SessionJob.Heartbeat)
	}

	return c
}

func orDefault(spec, fallback string) string {
	if spec == "" {
		return fallback
	}
	return spec
}

func addFunc(c *cron.Cron, spec string, name string, logger *zap.Logger, fn func()) {
	if c == nil || fn == nil {
		return
	}

	// A job still running when its next tick fires is skipped rather than
	// stacked.
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		defer recoverJobPanic(name, logger)
		start := time.Now()
		fn()
		logger.Debug("scheduler job finished", zap.String("job", name), zap.Duration("cost", time.Since(start)))
	}))

	if _, err := c.AddJob(spec, job); err != nil {
		logger.Error("register scheduler job failed",
			zap.String("job", name),
			zap.String("spec", spec),
			zap.Error(err),
		)
	}
}

func recoverJobPanic(jobName string, logger *zap.Logger) {
	if logger == nil {
		return
	}

	if recovered := recover(); recovered != nil {
		logger.Error("scheduler job panic recovered",
			zap.String("job", jobName),
			zap.Any("panic", recovered),
		)
	}
}
