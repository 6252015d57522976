package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"session-hub/internal/model"
	"session-hub/internal/repository"
)

type allocationRepository struct {
	pool *pgxpool.Pool
}

func NewAllocationRepository(pool *pgxpool.Pool) repository.AllocationRepository {
	return &allocationRepository{pool: pool}
}

var _ repository.AllocationRepository = (*allocationRepository)(nil)

const allocationColumns = `
	id,
	account_id,
	server_id,
	allocation_type,
	load_score,
	strategy,
	reason,
	created_at
`

func (r *allocationRepository) Assign(ctx context.Context, record *model.AllocationRecord, expectedServerID *string) error {
	if record == nil {
		return errors.New("allocation record is nil")
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := assignTx(ctx, tx, record, expectedServerID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *allocationRepository) ApplyMigrations(
	ctx context.Context,
	records []*model.AllocationRecord,
	fromServerID string,
) ([]*model.AllocationRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	from := fromServerID
	applied := make([]*model.AllocationRecord, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}

		// A savepoint keeps one stale account from aborting the batch.
		nested, err := tx.Begin(ctx)
		if err != nil {
			return nil, err
		}
		err = assignTx(ctx, nested, record, &from)
		if errors.Is(err, ErrAssignmentConflict) || errors.Is(err, ErrNotFound) {
			_ = nested.Rollback(ctx)
			continue
		}
		if err != nil {
			_ = nested.Rollback(ctx)
			return nil, err
		}
		if err := nested.Commit(ctx); err != nil {
			return nil, err
		}
		applied = append(applied, record)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return applied, nil
}

func (r *allocationRepository) Current(ctx context.Context, accountID string) (*model.AllocationRecord, error) {
	query := `
		SELECT ` + allocationColumns + `
		FROM allocation_records
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	record, err := scanAllocationRecord(r.pool.QueryRow(ctx, query, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *allocationRepository) History(
	ctx context.Context,
	accountID string,
	page repository.Pagination,
) ([]*model.AllocationRecord, error) {
	limit, offset := pageBounds(page)
	query := `
		SELECT ` + allocationColumns + `
		FROM allocation_records
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*model.AllocationRecord, 0, limit)
	for rows.Next() {
		item, err := scanAllocationRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func assignTx(ctx context.Context, tx pgx.Tx, record *model.AllocationRecord, expectedServerID *string) error {
	var current *string
	err := tx.QueryRow(
		ctx,
		`SELECT current_server_id FROM accounts WHERE id = $1 FOR UPDATE`,
		record.AccountID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !serverMatches(current, expectedServerID) {
		return ErrAssignmentConflict
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if err := tx.QueryRow(
		ctx,
		`
		INSERT INTO allocation_records (
			account_id, server_id, allocation_type, load_score,
			strategy, reason, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
		`,
		record.AccountID,
		record.ServerID,
		record.AllocationType,
		record.LoadScore,
		record.Strategy,
		record.Reason,
		record.CreatedAt,
	).Scan(&record.ID); err != nil {
		return err
	}

	tag, err := tx.Exec(
		ctx,
		`UPDATE accounts SET current_server_id = $2, updated_at = $3 WHERE id = $1`,
		record.AccountID,
		record.ServerID,
		record.CreatedAt,
	)
	if err != nil {
		return err
	}
	return requireAccount(tag, record.AccountID)
}

func scanAllocationRecord(src scanTarget) (*model.AllocationRecord, error) {
	var record model.AllocationRecord
	if err := src.Scan(
		&record.ID,
		&record.AccountID,
		&record.ServerID,
		&record.AllocationType,
		&record.LoadScore,
		&record.Strategy,
		&record.Reason,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}
