package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Account repository errors
var (
	ErrAccountNotFound = errors.New("account not found")
)

// AccountRepository defines read access to portal accounts. The admission
// core never creates or mutates accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	ListAdministrators(ctx context.Context) ([]Account, error)
}

// accountRepository implements AccountRepository using PostgreSQL
type accountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository instance
func NewAccountRepository(pool *pgxpool.Pool) AccountRepository {
	return &accountRepository{pool: pool}
}

// GetByID retrieves an account by its ID
func (r *accountRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `
		SELECT id, role, handle, created_at
		FROM accounts
		WHERE id = $1
	`

	account := &Account{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&account.ID,
		&account.Role,
		&account.Handle,
		&account.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return account, nil
}

// ListAdministrators returns every account with the administrator role.
// Used by the notifier to fan out admin notifications.
func (r *accountRepository) ListAdministrators(ctx context.Context) ([]Account, error) {
	query := `
		SELECT id, role, handle, created_at
		FROM accounts
		WHERE role = $1
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, RoleAdministrator)
	if err != nil {
		return nil, fmt.Errorf("list administrators: %w", err)
	}
	defer rows.Close()

	var admins []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Role, &a.Handle, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan administrator: %w", err)
		}
		admins = append(admins, a)
	}

	return admins, rows.Err()
}
