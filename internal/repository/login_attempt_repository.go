package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// LoginAttemptRepository is the append-only audit log of admission decisions.
// The engine only ever inserts and reads; deletion is reserved for the
// retention archiver.
type LoginAttemptRepository interface {
	Insert(ctx context.Context, attempt *LoginAttempt) error
	// LastSuccessful returns the most recent successful attempt for an
	// account, or nil when the account has never logged in successfully.
	LastSuccessful(ctx context.Context, accountID uuid.UUID) (*LoginAttempt, error)
	List(ctx context.Context, params ListAttemptParams) ([]LoginAttempt, int, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]LoginAttempt, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// loginAttemptRepository implements LoginAttemptRepository using sqlx
type loginAttemptRepository struct {
	db *sqlx.DB
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository instance
func NewLoginAttemptRepository(db *sqlx.DB) LoginAttemptRepository {
	return &loginAttemptRepository{db: db}
}

// Insert appends one audit row
func (r *loginAttemptRepository) Insert(ctx context.Context, attempt *LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (
			account_id, device_fingerprint, ip_address, country, city,
			attempt_type, reason, user_agent
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		attempt.AccountID,
		attempt.DeviceFingerprint,
		attempt.IPAddress,
		attempt.Country,
		attempt.City,
		attempt.AttemptType,
		attempt.Reason,
		attempt.UserAgent,
	).Scan(&attempt.ID, &attempt.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}

	return nil
}

// LastSuccessful returns the newest success row for an account, or nil when
// there is none. A nil result is how the anomaly detector learns there is
// nothing to compare against.
func (r *loginAttemptRepository) LastSuccessful(ctx context.Context, accountID uuid.UUID) (*LoginAttempt, error) {
	query := `
		SELECT id, account_id, device_fingerprint, ip_address, country, city,
		       attempt_type, reason, user_agent, created_at
		FROM login_attempts
		WHERE account_id = $1 AND attempt_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	attempt := &LoginAttempt{}
	err := r.db.GetContext(ctx, attempt, query, accountID, AttemptSuccess)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last successful attempt: %w", err)
	}

	return attempt, nil
}

// List returns a page of audit rows plus the total count for the filter
func (r *loginAttemptRepository) List(ctx context.Context, params ListAttemptParams) ([]LoginAttempt, int, error) {
	if params.Limit <= 0 || params.Limit > 200 {
		params.Limit = 50
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	var conditions []string
	var args []interface{}

	if params.AccountID != nil {
		args = append(args, *params.AccountID)
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if params.AttemptType != "" {
		args = append(args, params.AttemptType)
		conditions = append(conditions, fmt.Sprintf("attempt_type = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM login_attempts " + where
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count login attempts: %w", err)
	}

	args = append(args, params.Limit, params.Offset)
	listQuery := fmt.Sprintf(`
		SELECT id, account_id, device_fingerprint, ip_address, country, city,
		       attempt_type, reason, user_agent, created_at
		FROM login_attempts %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	attempts := []LoginAttempt{}
	if err := r.db.SelectContext(ctx, &attempts, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list login attempts: %w", err)
	}

	return attempts, total, nil
}

// ListOlderThan returns the oldest rows created before the cutoff, up to limit.
// Used by the retention archiver to build export batches.
func (r *loginAttemptRepository) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]LoginAttempt, error) {
	query := `
		SELECT id, account_id, device_fingerprint, ip_address, country, city,
		       attempt_type, reason, user_agent, created_at
		FROM login_attempts
		WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2
	`

	attempts := []LoginAttempt{}
	if err := r.db.SelectContext(ctx, &attempts, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list attempts older than %s: %w", cutoff.Format(time.RFC3339), err)
	}

	return attempts, nil
}

// DeleteByIDs removes the given rows after they have been archived
func (r *loginAttemptRepository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`DELETE FROM login_attempts WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("build delete query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete archived attempts: %w", err)
	}

	return result.RowsAffected()
}
