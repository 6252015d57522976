package model

import "time"

type AllocationType string

const (
	AllocationInitial   AllocationType = "initial"
	AllocationRebalance AllocationType = "rebalance"
	AllocationManual    AllocationType = "manual"
)

type AllocationStrategy string

const (
	StrategyLoadBalance AllocationStrategy = "load_balance"
	StrategyLocation    AllocationStrategy = "location"
	StrategyAffinity    AllocationStrategy = "affinity"
	StrategyIsolation   AllocationStrategy = "isolation"
)

func (s AllocationStrategy) Valid() bool {
	switch s {
	case StrategyLoadBalance, StrategyLocation, StrategyAffinity, StrategyIsolation:
		return true
	default:
		return false
	}
}

// AllocationRecord is append-only. The current assignment of an account is
// the newest record for it.
type AllocationRecord struct {
	ID             int64              `db:"id" json:"id"`
	AccountID      string             `db:"account_id" json:"account_id"`
	ServerID       string             `db:"server_id" json:"server_id"`
	AllocationType AllocationType     `db:"allocation_type" json:"allocation_type"`
	LoadScore      float64            `db:"load_score" json:"load_score"`
	Strategy       AllocationStrategy `db:"strategy" json:"strategy"`
	Reason         string             `db:"reason" json:"reason"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
}
