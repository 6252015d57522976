package model

import "time"

const (
	AccountEventSendAttempt  = "dispatch.send_attempt"
	AccountEventStatus       = "session.status"
	AccountEventAllocation   = "allocation.assigned"
	AccountEventMigration    = "allocation.migrated"
	AccountEventMigrationErr = "allocation.migration_failed"
)

type AccountEvent struct {
	ID          int64                  `db:"id" json:"id"`
	AccountID   string                 `db:"account_id" json:"account_id"`
	EventType   string                 `db:"event_type" json:"event_type"`
	Destination *string                `db:"destination" json:"destination,omitempty"`
	ServerID    *string                `db:"server_id" json:"server_id,omitempty"`
	Success     bool                   `db:"success" json:"success"`
	Detail      map[string]interface{} `db:"detail" json:"detail,omitempty"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
}
