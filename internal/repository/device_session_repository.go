package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Device session repository errors
var (
	ErrDeviceSessionNotFound = errors.New("device session not found")
	// ErrDeviceSessionExists signals the UNIQUE (account_id, device_fingerprint)
	// constraint fired on insert. Callers treat it as "a concurrent login got
	// there first" and re-read, not as a failure.
	ErrDeviceSessionExists = errors.New("device session already exists")
	ErrSessionNotApproved  = errors.New("device session is not approved")
)

// uniqueViolation is the PostgreSQL error code for unique_violation
const uniqueViolation = "23505"

// DeviceMeta carries the per-login device metadata refreshed on each
// successful admission.
type DeviceMeta struct {
	DeviceName string
	IPAddress  string
	Country    string
	City       string
	UserAgent  string
}

// DeviceSessionRepository is the session ledger: it owns creation, approval,
// activation, and deactivation of device trust rows.
type DeviceSessionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*DeviceSession, error)
	GetByAccountAndFingerprint(ctx context.Context, accountID uuid.UUID, fingerprint string) (*DeviceSession, error)
	CountActive(ctx context.Context, accountID uuid.UUID, excludeFingerprint string) (int, error)
	CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error)
	Insert(ctx context.Context, session *DeviceSession) error
	Reactivate(ctx context.Context, id uuid.UUID, meta DeviceMeta) error
	Approve(ctx context.Context, id, approverID uuid.UUID) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]DeviceSession, error)
	ListPending(ctx context.Context, limit int) ([]DeviceSession, error)
}

// deviceSessionRepository implements DeviceSessionRepository using PostgreSQL
type deviceSessionRepository struct {
	pool *pgxpool.Pool
}

// NewDeviceSessionRepository creates a new DeviceSessionRepository instance
func NewDeviceSessionRepository(pool *pgxpool.Pool) DeviceSessionRepository {
	return &deviceSessionRepository{pool: pool}
}

const deviceSessionColumns = `
	id, account_id, device_fingerprint, device_name, ip_address, country, city,
	is_active, is_approved, approved_by, approved_at, last_active_at, user_agent, created_at
`

func scanDeviceSession(row pgx.Row) (*DeviceSession, error) {
	s := &DeviceSession{}
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.DeviceFingerprint,
		&s.DeviceName,
		&s.IPAddress,
		&s.Country,
		&s.City,
		&s.IsActive,
		&s.IsApproved,
		&s.ApprovedBy,
		&s.ApprovedAt,
		&s.LastActiveAt,
		&s.UserAgent,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceSessionNotFound
		}
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a device session by its ID
func (r *deviceSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*DeviceSession, error) {
	query := `SELECT ` + deviceSessionColumns + ` FROM device_sessions WHERE id = $1`
	return scanDeviceSession(r.pool.QueryRow(ctx, query, id))
}

// GetByAccountAndFingerprint retrieves the ledger row for one device of one account
func (r *deviceSessionRepository) GetByAccountAndFingerprint(ctx context.Context, accountID uuid.UUID, fingerprint string) (*DeviceSession, error) {
	query := `
		SELECT ` + deviceSessionColumns + `
		FROM device_sessions
		WHERE account_id = $1 AND device_fingerprint = $2
	`
	return scanDeviceSession(r.pool.QueryRow(ctx, query, accountID, fingerprint))
}

// CountActive counts currently active sessions for an account, excluding the
// given fingerprint (pass "" to count all).
func (r *deviceSessionRepository) CountActive(ctx context.Context, accountID uuid.UUID, excludeFingerprint string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM device_sessions
		WHERE account_id = $1 AND is_active AND device_fingerprint <> $2
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, accountID, excludeFingerprint).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

// CountByAccount counts all ledger rows for an account, active or not
func (r *deviceSessionRepository) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM device_sessions WHERE account_id = $1`

	var count int
	if err := r.pool.QueryRow(ctx, query, accountID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// Insert creates a new ledger row with the flags set on the struct.
// Returns ErrDeviceSessionExists when a row for (account, fingerprint)
// already exists; it never demotes an existing row.
func (r *deviceSessionRepository) Insert(ctx context.Context, session *DeviceSession) error {
	query := `
		INSERT INTO device_sessions (
			account_id, device_fingerprint, device_name, ip_address, country, city,
			is_active, is_approved, approved_by, approved_at, last_active_at, user_agent
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		session.AccountID,
		session.DeviceFingerprint,
		session.DeviceName,
		session.IPAddress,
		session.Country,
		session.City,
		session.IsActive,
		session.IsApproved,
		session.ApprovedBy,
		session.ApprovedAt,
		session.LastActiveAt,
		session.UserAgent,
	).Scan(&session.ID, &session.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDeviceSessionExists
		}
		return fmt.Errorf("insert device session: %w", err)
	}

	return nil
}

// Reactivate marks an already-approved session active again and refreshes its
// device metadata. Returns ErrSessionNotApproved if the row exists but has
// never been approved.
func (r *deviceSessionRepository) Reactivate(ctx context.Context, id uuid.UUID, meta DeviceMeta) error {
	query := `
		UPDATE device_sessions
		SET is_active = true,
		    device_name = $2,
		    ip_address = $3,
		    country = $4,
		    city = $5,
		    user_agent = $6,
		    last_active_at = $7
		WHERE id = $1 AND is_approved
	`

	result, err := r.pool.Exec(ctx, query,
		id,
		meta.DeviceName,
		meta.IPAddress,
		meta.Country,
		meta.City,
		meta.UserAgent,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("reactivate device session: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Distinguish "missing" from "present but unapproved"
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrSessionNotApproved
	}

	return nil
}

// Approve marks a session approved and active, and deactivates every other
// session of the same account in the same transaction. This is where the
// single-active-device rule for standard accounts is enforced.
func (r *deviceSessionRepository) Approve(ctx context.Context, id, approverID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin approve: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT account_id FROM device_sessions WHERE id = $1 FOR UPDATE`, id).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDeviceSessionNotFound
		}
		return fmt.Errorf("lock device session: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE device_sessions
		SET is_active = false
		WHERE account_id = $1 AND id <> $2 AND is_active
	`, accountID, id)
	if err != nil {
		return fmt.Errorf("deactivate sibling sessions: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE device_sessions
		SET is_approved = true,
		    is_active = true,
		    approved_by = $2,
		    approved_at = $3,
		    last_active_at = $3
		WHERE id = $1
	`, id, approverID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("approve device session: %w", err)
	}

	return tx.Commit(ctx)
}

// Deactivate clears the active flag only; approval status is untouched so a
// trusted device can come back without re-approval.
func (r *deviceSessionRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `UPDATE device_sessions SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate device session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDeviceSessionNotFound
	}
	return nil
}

// ListByAccount returns every ledger row for an account, newest first
func (r *deviceSessionRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]DeviceSession, error) {
	query := `
		SELECT ` + deviceSessionColumns + `
		FROM device_sessions
		WHERE account_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	return collectDeviceSessions(rows)
}

// ListPending returns unapproved ledger rows, oldest first (approval queue order)
func (r *deviceSessionRepository) ListPending(ctx context.Context, limit int) ([]DeviceSession, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + deviceSessionColumns + `
		FROM device_sessions
		WHERE NOT is_approved
		ORDER BY created_at
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}
	defer rows.Close()

	return collectDeviceSessions(rows)
}

func collectDeviceSessions(rows pgx.Rows) ([]DeviceSession, error) {
	var sessions []DeviceSession
	for rows.Next() {
		s, err := scanDeviceSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
