package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"session-hub/internal/model"
	"session-hub/internal/repository"
)

type accountEventRepository struct {
	pool *pgxpool.Pool
}

func NewAccountEventRepository(pool *pgxpool.Pool) repository.AccountEventRepository {
	return &accountEventRepository{pool: pool}
}

var _ repository.AccountEventRepository = (*accountEventRepository)(nil)

const accountEventColumns = `
	id,
	account_id,
	event_type,
	destination,
	server_id,
	success,
	detail,
	created_at
`

func (r *accountEventRepository) Create(ctx context.Context, event *model.AccountEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	detail, err := marshalDetail(event.Detail)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO account_events (
			account_id,
			event_type,
			destination,
			server_id,
			success,
			detail,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	return r.pool.QueryRow(
		ctx,
		query,
		event.AccountID,
		event.EventType,
		event.Destination,
		event.ServerID,
		event.Success,
		detail,
		event.CreatedAt,
	).Scan(&event.ID)
}

func (r *accountEventRepository) List(ctx context.Context, filter repository.AccountEventFilter) ([]*model.AccountEvent, error) {
	limit, offset := pageBounds(filter.Pagination)

	args := make([]any, 0, 6)
	conditions := make([]string, 0, 4)
	if filter.AccountID != nil {
		args = append(args, *filter.AccountID)
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if filter.EventType != nil {
		args = append(args, *filter.EventType)
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if filter.StartTime != nil {
		args = append(args, filter.StartTime.UTC())
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.EndTime != nil {
		args = append(args, filter.EndTime.UTC())
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(accountEventColumns)
	builder.WriteString(" FROM account_events")
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	args = append(args, limit, offset)
	builder.WriteString(fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)))

	rows, err := r.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*model.AccountEvent, 0, limit)
	for rows.Next() {
		item, err := scanAccountEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

func scanAccountEvent(src scanTarget) (*model.AccountEvent, error) {
	var (
		event  model.AccountEvent
		detail []byte
	)
	if err := src.Scan(
		&event.ID,
		&event.AccountID,
		&event.EventType,
		&event.Destination,
		&event.ServerID,
		&event.Success,
		&detail,
		&event.CreatedAt,
	); err != nil {
		return nil, err
	}

	decoded, err := unmarshalDetail(detail)
	if err != nil {
		return nil, err
	}
	event.Detail = decoded
	return &event, nil
}
