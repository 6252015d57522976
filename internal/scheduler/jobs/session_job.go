package jobs

import (
	"context"

	"go.uber.org/zap"
)

type heartbeater interface {
	Heartbeat(ctx context.Context) error
}

type SessionJob struct {
	pool   heartbeater
	logger *zap.Logger
}

func NewSessionJob(pool heartbeater, logger *zap.Logger) *SessionJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionJob{pool: pool, logger: logger}
}

func (j *SessionJob) Heartbeat() {
	if j == nil || j.pool == nil {
		return
	}

	ctx, cancel := jobContext(0)
	defer cancel()

	if err := j.pool.Heartbeat(ctx); err != nil {
		j.logger.Warn("session heartbeat failed", zap.Error(err))
	}
}
