package jobs

import (
	"context"

	"go.uber.org/zap"
)

type lockSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type CoordinationJob struct {
	coordination lockSweeper
	logger       *zap.Logger
}

func NewCoordinationJob(coordination lockSweeper, logger *zap.Logger) *CoordinationJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoordinationJob{coordination: coordination, logger: logger}
}

func (j *CoordinationJob) SweepLocks() {
	if j == nil || j.coordination == nil {
		return
	}

	ctx, cancel := jobContext(0)
	defer cancel()

	purged, err := j.coordination.Sweep(ctx)
	if err != nil {
		j.logger.Warn("reply lock sweep failed", zap.Error(err))
		return
	}
	if purged > 0 {
		j.logger.Info("reply locks purged", zap.Int("count", purged))
	}
}
