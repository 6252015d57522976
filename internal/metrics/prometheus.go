package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_hub_agent_connections",
		Help: "Current number of connected fleet agents",
	})

	AgentConnectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_hub_agent_connection_duration_seconds",
		Help:    "Duration of agent WebSocket connections",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"agent_id"})

	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_hub_event_stream_subscribers",
		Help: "Current number of operator event stream subscribers",
	})

	AccountsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_hub_accounts_online",
		Help: "Current number of ONLINE accounts in the session pool",
	})

	AccountStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_hub_account_status_transitions_total",
		Help: "Account status transitions by target status",
	}, []string{"status"})

	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_hub_dispatch_attempts_total",
		Help: "Outbound send attempts by result",
	}, []string{"result"})

	RateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_hub_rate_limit_wait_seconds",
		Help:    "Time spent waiting for rate limiter admission",
		Buckets: []float64{0, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"scope"})

	ReplyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_hub_reply_decisions_total",
		Help: "Reply arbitration decisions by outcome",
	}, []string{"decision"})

	ReplyLocksPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_hub_reply_locks_purged_total",
		Help: "Expired reply locks removed by the sweep",
	})

	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_hub_allocations_total",
		Help: "Account allocation outcomes by strategy",
	}, []string{"strategy", "result"})

	Migrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_hub_migrations_total",
		Help: "Account migrations by result",
	}, []string{"result"})

	NodeLoadScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "session_hub_node_load_score",
		Help: "Latest load score per worker node (higher is more loaded)",
	}, []string{"node_id"})

	NodePollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_hub_node_poll_failures_total",
		Help: "Failed monitor polls per worker node",
	}, []string{"node_id"})

	RemoteCommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_hub_remote_command_duration_seconds",
		Help:    "Round trip time of remote commands on worker nodes",
		Buckets: prometheus.DefBuckets,
	})
)

func SetAgentConnections(count int) {
	if count < 0 {
		count = 0
	}
	AgentConnections.Set(float64(count))
}

func ObserveAgentConnectionDuration(agentID string, duration time.Duration) {
	AgentConnectionDuration.WithLabelValues(labelOrUnknown(agentID)).Observe(duration.Seconds())
}

func SetEventSubscribers(count int) {
	if count < 0 {
		count = 0
	}
	EventSubscribers.Set(float64(count))
}

func SetAccountsOnline(count int) {
	if count < 0 {
		count = 0
	}
	AccountsOnline.Set(float64(count))
}

func IncAccountStatus(status string) {
	AccountStatusTransitions.WithLabelValues(labelOrUnknown(status)).Inc()
}

func IncDispatchAttempt(result string) {
	DispatchAttempts.WithLabelValues(labelOrUnknown(result)).Inc()
}

func ObserveRateLimitWait(scope string, wait time.Duration) {
	RateLimitWait.WithLabelValues(labelOrUnknown(scope)).Observe(wait.Seconds())
}

func IncReplyDecision(decision string) {
	ReplyDecisions.WithLabelValues(labelOrUnknown(decision)).Inc()
}

func AddReplyLocksPurged(count int) {
	if count > 0 {
		ReplyLocksPurged.Add(float64(count))
	}
}

func IncAllocation(strategy, result string) {
	Allocations.WithLabelValues(labelOrUnknown(strategy), labelOrUnknown(result)).Inc()
}

func AddMigrations(result string, count int) {
	if count > 0 {
		Migrations.WithLabelValues(labelOrUnknown(result)).Add(float64(count))
	}
}

func SetNodeLoadScore(nodeID string, score float64) {
	NodeLoadScore.WithLabelValues(labelOrUnknown(nodeID)).Set(score)
}

func IncNodePollFailure(nodeID string) {
	NodePollFailures.WithLabelValues(labelOrUnknown(nodeID)).Inc()
}

func ObserveRemoteCommandDuration(duration time.Duration) {
	RemoteCommandDuration.Observe(duration.Seconds())
}

func labelOrUnknown(value string) string {
	label := strings.TrimSpace(value)
	if label == "" {
		return "unknown"
	}
	return label
}
