package model

import "time"

type ReplyPriority int

const (
	PriorityNone ReplyPriority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

func (p ReplyPriority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "NONE"
	}
}

func ParseReplyPriority(raw string) (ReplyPriority, bool) {
	switch raw {
	case "HIGH", "high":
		return PriorityHigh, true
	case "NORMAL", "normal":
		return PriorityNormal, true
	case "LOW", "low":
		return PriorityLow, true
	case "NONE", "none":
		return PriorityNone, true
	default:
		return PriorityNone, false
	}
}

type ReplyLock struct {
	EventID         string        `json:"event_id"`
	GroupID         string        `json:"group_id"`
	HolderAccountID string        `json:"holder_account_id"`
	LockedAt        time.Time     `json:"locked_at"`
	TTL             time.Duration `json:"ttl"`
}

func (l ReplyLock) Expired(now time.Time) bool {
	return now.Sub(l.LockedAt) > l.TTL
}

type AccountRoleInfo struct {
	AccountID        string        `json:"account_id"`
	RoleID           string        `json:"role_id,omitempty"`
	Priority         ReplyPriority `json:"priority"`
	LastReplyTime    time.Time     `json:"last_reply_time"`
	RecentReplyCount int           `json:"recent_reply_count"`
	IsActive         bool          `json:"is_active"`
}

type GroupCoordination struct {
	GroupID      string                      `json:"group_id"`
	Accounts     map[string]*AccountRoleInfo `json:"accounts"`
	RoleSequence []string                    `json:"role_sequence,omitempty"`
}

func NewGroupCoordination(groupID string) *GroupCoordination {
	return &GroupCoordination{
		GroupID:  groupID,
		Accounts: make(map[string]*AccountRoleInfo),
	}
}
