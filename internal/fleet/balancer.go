package fleet

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"session-hub/internal/model"
)

const defaultLatencyCeiling = 500 * time.Millisecond

type ScoreWeights struct {
	CPU      float64 `mapstructure:"cpu" json:"cpu"`
	Memory   float64 `mapstructure:"memory" json:"memory"`
	Disk     float64 `mapstructure:"disk" json:"disk"`
	Capacity float64 `mapstructure:"capacity" json:"capacity"`
	Latency  float64 `mapstructure:"latency" json:"latency"`
}

func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{CPU: 0.25, Memory: 0.25, Disk: 0.10, Capacity: 0.30, Latency: 0.10}
}

func (w ScoreWeights) sum() float64 {
	return w.CPU + w.Memory + w.Disk + w.Capacity + w.Latency
}

// LoadBalancer turns node metrics into comparable scores. Every component is
// scaled to 0..100 and the total is their weighted mean, so a higher total
// always means a busier node.
type LoadBalancer struct {
	weights        ScoreWeights
	latencyCeiling time.Duration
}

func NewLoadBalancer(weights ScoreWeights, latencyCeiling time.Duration) *LoadBalancer {
	if weights.sum() <= 0 {
		weights = DefaultScoreWeights()
	}
	if latencyCeiling <= 0 {
		latencyCeiling = defaultLatencyCeiling
	}
	return &LoadBalancer{weights: weights, latencyCeiling: latencyCeiling}
}

func (b *LoadBalancer) CalculateLoadScore(metrics model.ServerMetrics) model.LoadScore {
	score := model.LoadScore{
		NodeID:      metrics.NodeID,
		CPUScore:    clampPercent(metrics.CPUUsage),
		MemoryScore: clampPercent(metrics.MemoryUsage),
		DiskScore:   clampPercent(metrics.DiskUsage),
	}

	// 1 - remaining capacity ratio, i.e. how full the node is.
	if metrics.MaxAccounts > 0 {
		score.CapacityScore = clampPercent(float64(metrics.CurrentAccounts) / float64(metrics.MaxAccounts) * 100)
	} else {
		score.CapacityScore = 100
	}
	score.LatencyScore = clampPercent(float64(metrics.NetworkLatency) / float64(b.latencyCeiling) * 100)

	w := b.weights
	total := w.CPU*score.CPUScore +
		w.Memory*score.MemoryScore +
		w.Disk*score.DiskScore +
		w.Capacity*score.CapacityScore +
		w.Latency*score.LatencyScore
	score.TotalScore = round2(total / w.sum())
	return score
}

// Rankings lists reachable nodes by ascending score. Nodes in error status
// have no meaningful score and are left out.
func (b *LoadBalancer) Rankings(servers []model.ServerMetrics) []model.ServerRanking {
	rankings := make([]model.ServerRanking, 0, len(servers))
	for _, server := range servers {
		if server.Status != model.ServerStatusOnline {
			continue
		}
		rankings = append(rankings, model.ServerRanking{
			NodeID: server.NodeID,
			Score:  b.CalculateLoadScore(server).TotalScore,
		})
	}
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].Score != rankings[j].Score {
			return rankings[i].Score < rankings[j].Score
		}
		return rankings[i].NodeID < rankings[j].NodeID
	})
	return rankings
}

// SelectBestServer scores the allocatable servers and lets selector choose.
func (b *LoadBalancer) SelectBestServer(servers []model.ServerMetrics, selector Selector, req SelectionRequest) (*ScoredServer, bool) {
	if selector == nil {
		selector = LoadBalanceSelector{}
	}
	return selector.Select(b.rank(servers), req)
}

func (b *LoadBalancer) rank(servers []model.ServerMetrics) []ScoredServer {
	scored := make([]ScoredServer, 0, len(servers))
	for _, server := range servers {
		if !server.Allocatable() {
			continue
		}
		scored = append(scored, ScoredServer{Metrics: server, Score: b.CalculateLoadScore(server)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score.TotalScore != scored[j].Score.TotalScore {
			return scored[i].Score.TotalScore < scored[j].Score.TotalScore
		}
		return scored[i].Metrics.NodeID < scored[j].Metrics.NodeID
	})
	return scored
}

type ScoredServer struct {
	Metrics model.ServerMetrics
	Score   model.LoadScore
}

type SelectionRequest struct {
	AccountLocation string
	ScriptID        string
	// ServerScripts maps a server to the script ids of the accounts it hosts.
	ServerScripts map[string][]string
}

// Selector chooses among allocatable servers already sorted by ascending
// score.
type Selector interface {
	Strategy() model.AllocationStrategy
	Select(candidates []ScoredServer, req SelectionRequest) (*ScoredServer, bool)
}

func NewSelector(strategy model.AllocationStrategy) (Selector, error) {
	switch strategy {
	case model.StrategyLoadBalance:
		return LoadBalanceSelector{}, nil
	case model.StrategyLocation:
		return LocationSelector{}, nil
	case model.StrategyAffinity:
		return AffinitySelector{}, nil
	case model.StrategyIsolation:
		return IsolationSelector{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
}

type LoadBalanceSelector struct{}

func (LoadBalanceSelector) Strategy() model.AllocationStrategy { return model.StrategyLoadBalance }

func (LoadBalanceSelector) Select(candidates []ScoredServer, _ SelectionRequest) (*ScoredServer, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	best := candidates[0]
	return &best, true
}

type LocationSelector struct{}

func (LocationSelector) Strategy() model.AllocationStrategy { return model.StrategyLocation }

func (LocationSelector) Select(candidates []ScoredServer, req SelectionRequest) (*ScoredServer, bool) {
	location := strings.TrimSpace(req.AccountLocation)
	if location != "" {
		for _, candidate := range candidates {
			if strings.EqualFold(candidate.Metrics.Location, location) {
				picked := candidate
				return &picked, true
			}
		}
	}
	return LoadBalanceSelector{}.Select(candidates, req)
}

type AffinitySelector struct{}

func (AffinitySelector) Strategy() model.AllocationStrategy { return model.StrategyAffinity }

func (AffinitySelector) Select(candidates []ScoredServer, req SelectionRequest) (*ScoredServer, bool) {
	if req.ScriptID != "" {
		for _, candidate := range candidates {
			if countScript(req.ServerScripts[candidate.Metrics.NodeID], req.ScriptID) > 0 {
				picked := candidate
				return &picked, true
			}
		}
	}
	return LoadBalanceSelector{}.Select(candidates, req)
}

// IsolationSelector spreads accounts of one script apart: the server hosting
// the fewest accounts of that script wins, the lower score breaks ties.
type IsolationSelector struct{}

func (IsolationSelector) Strategy() model.AllocationStrategy { return model.StrategyIsolation }

func (IsolationSelector) Select(candidates []ScoredServer, req SelectionRequest) (*ScoredServer, bool) {
	if req.ScriptID == "" || len(candidates) == 0 {
		return LoadBalanceSelector{}.Select(candidates, req)
	}

	bestIdx, bestCount := -1, math.MaxInt
	for idx, candidate := range candidates {
		count := countScript(req.ServerScripts[candidate.Metrics.NodeID], req.ScriptID)
		if count < bestCount {
			bestIdx, bestCount = idx, count
		}
	}
	picked := candidates[bestIdx]
	return &picked, true
}

func countScript(scripts []string, scriptID string) int {
	total := 0
	for _, script := range scripts {
		if script == scriptID {
			total++
		}
	}
	return total
}

func clampPercent(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
