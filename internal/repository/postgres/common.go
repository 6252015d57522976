package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"session-hub/internal/repository"
)

var (
	ErrNotFound           = repository.ErrNotFound
	ErrAssignmentConflict = repository.ErrAssignmentConflict
)

const (
	defaultPageLimit int32 = 50
	maxPageLimit     int32 = 500
)

type scanTarget interface {
	Scan(dest ...any) error
}

func pageBounds(page repository.Pagination) (limit, offset int32) {
	limit, offset = page.Limit, max(page.Offset, 0)
	switch {
	case limit <= 0:
		limit = defaultPageLimit
	case limit > maxPageLimit:
		limit = maxPageLimit
	}
	return limit, offset
}

// marshalDetail stores a nil detail as SQL NULL rather than "null".
func marshalDetail(detail map[string]any) ([]byte, error) {
	if detail == nil {
		return nil, nil
	}
	return json.Marshal(detail)
}

func unmarshalDetail(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var detail map[string]any
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("decode event detail: %w", err)
	}
	return detail, nil
}

// requireAccount reports ErrNotFound when an update touched no account row.
func requireAccount(tag pgconn.CommandTag, accountID string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	return nil
}

func serverMatches(current, expected *string) bool {
	switch {
	case current == nil || expected == nil:
		return current == expected
	default:
		return *current == *expected
	}
}
