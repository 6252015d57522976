package model

import "time"

type AccountStatus string

const (
	AccountStatusOffline    AccountStatus = "OFFLINE"
	AccountStatusConnecting AccountStatus = "CONNECTING"
	AccountStatusOnline     AccountStatus = "ONLINE"
	AccountStatusError      AccountStatus = "ERROR"
)

// CanTransition reports whether the pool may move an account from s to next.
// The lifecycle is OFFLINE -> CONNECTING -> ONLINE -> {ERROR, OFFLINE}; a
// failed or aborted connect ends in ERROR or OFFLINE, and an ERROR account can
// only be retried after going back through CONNECTING.
func (s AccountStatus) CanTransition(next AccountStatus) bool {
	switch s {
	case AccountStatusOffline:
		return next == AccountStatusConnecting
	case AccountStatusConnecting:
		return next == AccountStatusOnline || next == AccountStatusError || next == AccountStatusOffline
	case AccountStatusOnline:
		return next == AccountStatusError || next == AccountStatusOffline
	case AccountStatusError:
		return next == AccountStatusOffline || next == AccountStatusConnecting
	default:
		return false
	}
}

type Account struct {
	ID              string        `db:"id" json:"id"`
	DisplayName     string        `db:"display_name" json:"display_name"`
	Roles           []string      `db:"roles" json:"roles"`
	Status          AccountStatus `db:"status" json:"status"`
	CredentialRef   string        `db:"credential_ref" json:"-"`
	AccountType     string        `db:"account_type" json:"account_type,omitempty"`
	ScriptID        *string       `db:"script_id" json:"script_id,omitempty"`
	Location        *string       `db:"location" json:"location,omitempty"`
	CurrentServerID *string       `db:"current_server_id" json:"current_server_id,omitempty"`
	Active          bool          `db:"active" json:"active"`
	LastHeartbeatAt *time.Time    `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

func (a *Account) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
