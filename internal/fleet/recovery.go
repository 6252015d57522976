package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-hub/internal/event"
	"session-hub/internal/model"
)

// QuarantineSource is a MetricsSource that can fence off a node.
type QuarantineSource interface {
	Poll(ctx context.Context) ([]model.ServerMetrics, error)
	Quarantine(nodeID string)
}

type Evacuator interface {
	EvacuateServer(ctx context.Context, serverID string, maxMigrations int) (*RebalanceResult, error)
}

type nodeHealth struct {
	consecutiveFailures int
	lastFailure         time.Time
	lastHealthy         time.Time
	handled             bool
}

type NodeHealthReport struct {
	NodeID              string    `json:"node_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastHealthy         time.Time `json:"last_healthy,omitempty"`
	Evacuated           bool      `json:"evacuated"`
}

// RecoveryReport describes what one Check did.
type RecoveryReport struct {
	CheckedAt   time.Time                   `json:"checked_at"`
	FailedNodes []string                    `json:"failed_nodes"`
	Recovered   []string                    `json:"recovered"`
	Evacuations map[string]*RebalanceResult `json:"evacuations"`
}

// FaultRecovery counts consecutive failed polls per node. Once a node reaches
// the failure threshold it is quarantined and its accounts are evacuated.
type FaultRecovery struct {
	policy    FaultRecoveryPolicy
	monitor   QuarantineSource
	evacuator Evacuator
	bus       *event.Bus
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	health map[string]*nodeHealth
}

func NewFaultRecovery(policy FaultRecoveryPolicy, monitor QuarantineSource, evacuator Evacuator, bus *event.Bus, logger *zap.Logger) *FaultRecovery {
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = defaultFailureThreshold
	}
	if policy.CheckIntervalSeconds <= 0 {
		policy.CheckIntervalSeconds = defaultCheckInterval
	}
	if policy.MaxMigrations <= 0 {
		policy.MaxMigrations = defaultMaxMigrations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FaultRecovery{
		policy:    policy,
		monitor:   monitor,
		evacuator: evacuator,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		health:    make(map[string]*nodeHealth),
	}
}

func (r *FaultRecovery) Interval() time.Duration {
	return time.Duration(r.policy.CheckIntervalSeconds) * time.Second
}

func (r *FaultRecovery) Enabled() bool {
	return r.policy.Enabled
}

func (r *FaultRecovery) Check(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{
		CheckedAt:   r.now().UTC(),
		FailedNodes: []string{},
		Recovered:   []string{},
		Evacuations: map[string]*RebalanceResult{},
	}
	if !r.policy.Enabled {
		return report, nil
	}

	servers, err := r.monitor.Poll(ctx)
	if err != nil {
		return nil, err
	}

	failing := make([]string, 0)
	r.mu.Lock()
	for _, server := range servers {
		state, ok := r.health[server.NodeID]
		if !ok {
			state = &nodeHealth{}
			r.health[server.NodeID] = state
		}

		if server.Status == model.ServerStatusOnline {
			if state.consecutiveFailures >= r.policy.FailureThreshold {
				report.Recovered = append(report.Recovered, server.NodeID)
			}
			state.consecutiveFailures = 0
			state.handled = false
			state.lastHealthy = report.CheckedAt
			continue
		}

		state.consecutiveFailures++
		state.lastFailure = report.CheckedAt
		if state.consecutiveFailures >= r.policy.FailureThreshold && !state.handled {
			failing = append(failing, server.NodeID)
		}
	}
	r.mu.Unlock()

	for _, nodeID := range report.Recovered {
		r.logger.Info("node recovered", zap.String("node_id", nodeID))
		r.bus.Publish(event.EventNodeRecovered, event.NodeRecoveredPayload{NodeID: nodeID, Timestamp: report.CheckedAt})
	}

	sort.Strings(failing)
	for _, nodeID := range failing {
		failures := r.failures(nodeID)
		report.FailedNodes = append(report.FailedNodes, nodeID)
		r.monitor.Quarantine(nodeID)
		r.bus.Publish(event.EventNodeFailed, event.NodeFailedPayload{
			NodeID:              nodeID,
			ConsecutiveFailures: failures,
			Timestamp:           report.CheckedAt,
		})
		r.logger.Warn("node failed, evacuating accounts",
			zap.String("node_id", nodeID),
			zap.Int("consecutive_failures", failures))

		result, err := r.evacuator.EvacuateServer(ctx, nodeID, r.policy.MaxMigrations)
		if err != nil {
			r.logger.Error("evacuate node failed", zap.String("node_id", nodeID), zap.Error(err))
			if result == nil {
				continue
			}
		}
		report.Evacuations[nodeID] = result
		// The node stays pending until no active account is left on it.
		if err == nil && len(result.Failed) == 0 && result.Remaining == 0 {
			r.markHandled(nodeID)
		}
	}

	return report, nil
}

func (r *FaultRecovery) Health() []NodeHealthReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]NodeHealthReport, 0, len(r.health))
	for nodeID, state := range r.health {
		out = append(out, NodeHealthReport{
			NodeID:              nodeID,
			ConsecutiveFailures: state.consecutiveFailures,
			LastFailure:         state.lastFailure,
			LastHealthy:         state.lastHealthy,
			Evacuated:           state.handled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (r *FaultRecovery) failures(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.health[nodeID]; ok {
		return state.consecutiveFailures
	}
	return 0
}

func (r *FaultRecovery) markHandled(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.health[nodeID]; ok {
		state.handled = true
	}
}
