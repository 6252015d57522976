package jobs

import (
	"context"

	"go.uber.org/zap"

	"session-hub/internal/fleet"
	"session-hub/internal/model"
)

type fleetAllocator interface {
	Policy() fleet.PolicyConfig
	ServerRankings(ctx context.Context) ([]model.ServerRanking, error)
	RebalanceAccounts(ctx context.Context, thresholdPercent float64, maxMigrations int) (*fleet.RebalanceResult, error)
}

type faultChecker interface {
	Check(ctx context.Context) (*fleet.RecoveryReport, error)
}

type FleetJob struct {
	allocator fleetAllocator
	recovery  faultChecker
	logger    *zap.Logger
}

func NewFleetJob(allocator fleetAllocator, recovery faultChecker, logger *zap.Logger) *FleetJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FleetJob{allocator: allocator, recovery: recovery, logger: logger}
}

// PollServers refreshes node metrics and the load score gauges.
func (j *FleetJob) PollServers() {
	if j == nil || j.allocator == nil {
		return
	}

	ctx, cancel := jobContext(0)
	defer cancel()

	rankings, err := j.allocator.ServerRankings(ctx)
	if err != nil {
		j.logger.Warn("server poll failed", zap.Error(err))
		return
	}
	j.logger.Debug("server rankings refreshed", zap.Int("online", len(rankings)))
}

func (j *FleetJob) CheckFaults() {
	if j == nil || j.recovery == nil {
		return
	}

	ctx, cancel := jobContext(0)
	defer cancel()

	report, err := j.recovery.Check(ctx)
	if err != nil {
		j.logger.Warn("fault recovery check failed", zap.Error(err))
		return
	}
	if report != nil && (len(report.FailedNodes) > 0 || len(report.Recovered) > 0) {
		j.logger.Info("fault recovery check finished",
			zap.Strings("failed_nodes", report.FailedNodes),
			zap.Strings("recovered", report.Recovered),
			zap.Int("evacuations", len(report.Evacuations)))
	}
}

func (j *FleetJob) Rebalance() {
	if j == nil || j.allocator == nil {
		return
	}

	ctx, cancel := jobContext(0)
	defer cancel()

	policy := j.allocator.Policy().Rebalance
	result, err := j.allocator.RebalanceAccounts(ctx, policy.ThresholdPercent, policy.MaxMigrations)
	if err != nil {
		j.logger.Warn("scheduled rebalance failed", zap.Error(err))
		return
	}
	if result.Balanced {
		return
	}
	j.logger.Info("scheduled rebalance finished",
		zap.String("source_server", result.SourceServer),
		zap.String("target_server", result.TargetServer),
		zap.Int("migrated", len(result.Migrated)),
		zap.Int("failed", len(result.Failed)))
}
