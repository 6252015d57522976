package repository

import (
	"context"
	"errors"
	"time"

	"session-hub/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrAssignmentConflict means the account's current server did not match
	// the expected one when the assignment was written.
	ErrAssignmentConflict = errors.New("account assignment changed concurrently")
)

type Pagination struct {
	Limit  int32 `json:"limit"`
	Offset int32 `json:"offset"`
}

type AccountListFilter struct {
	Roles      []string              `json:"roles,omitempty"`
	Statuses   []model.AccountStatus `json:"statuses,omitempty"`
	ServerID   *string               `json:"server_id,omitempty"`
	ActiveOnly bool                  `json:"active_only"`
	Pagination Pagination            `json:"pagination"`
}

type AccountEventFilter struct {
	AccountID  *string    `json:"account_id,omitempty"`
	EventType  *string    `json:"event_type,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Pagination Pagination `json:"pagination"`
}

// AccountRepository is the account registry.
type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	List(ctx context.Context, filter AccountListFilter) ([]*model.Account, error)
	// Register inserts the account or refreshes its descriptive fields. Status
	// and the current server pointer are left untouched on conflict.
	Register(ctx context.Context, account *model.Account) error
	UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
	CountByServer(ctx context.Context) (map[string]int, error)
	ScriptsByServer(ctx context.Context) (map[string][]string, error)
}

type AllocationRepository interface {
	// Assign appends record and moves the account's current server pointer in
	// one transaction. expectedServerID is the server the caller believes the
	// account is on (nil for an unassigned account); a mismatch returns
	// ErrAssignmentConflict and writes nothing.
	Assign(ctx context.Context, record *model.AllocationRecord, expectedServerID *string) error
	// ApplyMigrations commits every record whose account is still on
	// fromServerID in a single transaction and returns the applied ones.
	ApplyMigrations(ctx context.Context, records []*model.AllocationRecord, fromServerID string) ([]*model.AllocationRecord, error)
	Current(ctx context.Context, accountID string) (*model.AllocationRecord, error)
	History(ctx context.Context, accountID string, page Pagination) ([]*model.AllocationRecord, error)
}

type AccountEventRepository interface {
	Create(ctx context.Context, event *model.AccountEvent) error
	List(ctx context.Context, filter AccountEventFilter) ([]*model.AccountEvent, error)
}
