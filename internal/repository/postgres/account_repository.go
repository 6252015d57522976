package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"session-hub/internal/model"
	"session-hub/internal/repository"
)

type accountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) repository.AccountRepository {
	return &accountRepository{pool: pool}
}

var _ repository.AccountRepository = (*accountRepository)(nil)

const accountColumns = `
	id,
	display_name,
	roles,
	status,
	credential_ref,
	account_type,
	script_id,
	location,
	current_server_id,
	active,
	last_heartbeat_at,
	created_at,
	updated_at
`

func (r *accountRepository) FindByID(ctx context.Context, id string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	account, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (r *accountRepository) List(ctx context.Context, filter repository.AccountListFilter) ([]*model.Account, error) {
	args := make([]any, 0, 6)
	conditions := buildAccountListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString(`SELECT `)
	builder.WriteString(accountColumns)
	builder.WriteString(` FROM accounts`)
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY id ASC")

	if filter.Pagination.Limit > 0 {
		limit, offset := pageBounds(filter.Pagination)
		args = append(args, limit, offset)
		builder.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)))
	}

	rows, err := r.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]*model.Account, 0)
	for rows.Next() {
		item, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return accounts, nil
}

func (r *accountRepository) Register(ctx context.Context, account *model.Account) error {
	if account == nil || strings.TrimSpace(account.ID) == "" {
		return errors.New("account id is required")
	}

	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	if account.Status == "" {
		account.Status = model.AccountStatusOffline
	}
	if account.Roles == nil {
		account.Roles = []string{}
	}

	query := `
		INSERT INTO accounts (
			id, display_name, roles, status, credential_ref,
			account_type, script_id, location, active,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE accounts.display_name END,
			roles = CASE WHEN cardinality(EXCLUDED.roles) > 0 THEN EXCLUDED.roles ELSE accounts.roles END,
			credential_ref = CASE WHEN EXCLUDED.credential_ref <> '' THEN EXCLUDED.credential_ref ELSE accounts.credential_ref END,
			account_type = CASE WHEN EXCLUDED.account_type <> '' THEN EXCLUDED.account_type ELSE accounts.account_type END,
			script_id = COALESCE(EXCLUDED.script_id, accounts.script_id),
			location = COALESCE(EXCLUDED.location, accounts.location),
			updated_at = EXCLUDED.updated_at
		RETURNING status, current_server_id, active, created_at
	`

	return r.pool.QueryRow(
		ctx,
		query,
		account.ID,
		account.DisplayName,
		account.Roles,
		account.Status,
		account.CredentialRef,
		account.AccountType,
		account.ScriptID,
		account.Location,
		account.Active,
		account.CreatedAt,
		account.UpdatedAt,
	).Scan(&account.Status, &account.CurrentServerID, &account.Active, &account.CreatedAt)
}

func (r *accountRepository) UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE accounts SET status = $2, updated_at = NOW() WHERE id = $1`,
		id,
		status,
	)
	if err != nil {
		return err
	}
	return requireAccount(tag, id)
}

func (r *accountRepository) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE accounts SET last_heartbeat_at = $2, updated_at = NOW() WHERE id = $1`,
		id,
		at.UTC(),
	)
	if err != nil {
		return err
	}
	return requireAccount(tag, id)
}

func (r *accountRepository) CountByServer(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT current_server_id, COUNT(*)
		FROM accounts
		WHERE current_server_id IS NOT NULL AND active = TRUE
		GROUP BY current_server_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			serverID string
			total    int64
		)
		if err := rows.Scan(&serverID, &total); err != nil {
			return nil, err
		}
		counts[serverID] = int(total)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

func (r *accountRepository) ScriptsByServer(ctx context.Context) (map[string][]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT current_server_id, script_id
		FROM accounts
		WHERE current_server_id IS NOT NULL AND script_id IS NOT NULL AND active = TRUE
		ORDER BY current_server_id, script_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scripts := make(map[string][]string)
	for rows.Next() {
		var serverID, scriptID string
		if err := rows.Scan(&serverID, &scriptID); err != nil {
			return nil, err
		}
		scripts[serverID] = append(scripts[serverID], scriptID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return scripts, nil
}

func buildAccountListConditions(filter repository.AccountListFilter, args *[]any) []string {
	conditions := make([]string, 0, 4)

	if len(filter.Roles) > 0 {
		*args = append(*args, filter.Roles)
		conditions = append(conditions, fmt.Sprintf("roles && $%d", len(*args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		*args = append(*args, statuses)
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(*args)))
	}
	if filter.ServerID != nil {
		*args = append(*args, *filter.ServerID)
		conditions = append(conditions, fmt.Sprintf("current_server_id = $%d", len(*args)))
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "active = TRUE")
	}

	return conditions
}

func scanAccount(src scanTarget) (*model.Account, error) {
	var account model.Account
	if err := src.Scan(
		&account.ID,
		&account.DisplayName,
		&account.Roles,
		&account.Status,
		&account.CredentialRef,
		&account.AccountType,
		&account.ScriptID,
		&account.Location,
		&account.CurrentServerID,
		&account.Active,
		&account.LastHeartbeatAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &account, nil
}
