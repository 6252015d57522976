package dispatch

import (
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
)

type Strategy string

const (
	StrategyRoundRobin   Strategy = "round_robin"
	StrategyWeighted     Strategy = "weighted"
	StrategyHostPriority Strategy = "host_priority"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyWeighted, StrategyHostPriority:
		return true
	default:
		return false
	}
}

// Selector picks one account id out of an ordered candidate list.
type Selector interface {
	Select(candidates []string) (string, bool)
}

type randSource interface {
	Intn(n int) int
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

// RoundRobinSelector advances on every call, whatever the caller does with
// the result.
type RoundRobinSelector struct {
	next atomic.Uint64
}

func (s *RoundRobinSelector) Select(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	idx := (s.next.Add(1) - 1) % uint64(len(candidates))
	return candidates[idx], true
}

// WeightedSelector picks randomly in proportion to per-account weight.
// Accounts without a configured weight count as 1; zero or negative weights
// exclude the account.
type WeightedSelector struct {
	weights map[string]int
	rnd     randSource
}

func NewWeightedSelector(weights map[string]int, rnd randSource) *WeightedSelector {
	return &WeightedSelector{weights: weights, rnd: rnd}
}

func (s *WeightedSelector) Select(candidates []string) (string, bool) {
	total := 0
	for _, candidate := range candidates {
		total += s.weight(candidate)
	}
	if total <= 0 {
		return "", false
	}

	point := s.rnd.Intn(total)
	for _, candidate := range candidates {
		point -= s.weight(candidate)
		if point < 0 {
			return candidate, true
		}
	}
	return candidates[len(candidates)-1], true
}

func (s *WeightedSelector) weight(accountID string) int {
	weight, ok := s.weights[accountID]
	if !ok {
		return 1
	}
	if weight < 0 {
		return 0
	}
	return weight
}

// HostPrioritySelector returns the first candidate, in candidate order, that
// is named in the priority list, and otherwise a uniformly random candidate.
type HostPrioritySelector struct {
	priority map[string]struct{}
	rnd      randSource
}

func NewHostPrioritySelector(priority []string, rnd randSource) *HostPrioritySelector {
	set := make(map[string]struct{}, len(priority))
	for _, id := range priority {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return &HostPrioritySelector{priority: set, rnd: rnd}
}

func (s *HostPrioritySelector) Select(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	for _, candidate := range candidates {
		if _, ok := s.priority[candidate]; ok {
			return candidate, true
		}
	}
	return candidates[s.rnd.Intn(len(candidates))], true
}
