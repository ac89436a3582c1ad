package repository

import (
	"time"

	"github.com/google/uuid"
)

// Role is an account's role in the portal
type Role string

const (
	RoleStandard      Role = "standard"
	RoleAdministrator Role = "administrator"
)

// Account represents a portal account. The admission core only reads accounts;
// creation and deletion belong to external account management.
type Account struct {
	ID        uuid.UUID `db:"id"`
	Role      Role      `db:"role"`
	Handle    string    `db:"handle"`
	CreatedAt time.Time `db:"created_at"`
}

// IsAdministrator reports whether the account holds the administrator role
func (a *Account) IsAdministrator() bool {
	return a.Role == RoleAdministrator
}

// DeviceSession represents one device's trust relationship to one account.
// There is at most one row per (account_id, device_fingerprint); historical
// rows persist across re-logins.
type DeviceSession struct {
	ID                uuid.UUID  `db:"id"`
	AccountID         uuid.UUID  `db:"account_id"`
	DeviceFingerprint string     `db:"device_fingerprint"`
	DeviceName        string     `db:"device_name"`
	IPAddress         string     `db:"ip_address"`
	Country           string     `db:"country"`
	City              string     `db:"city"`
	IsActive          bool       `db:"is_active"`
	IsApproved        bool       `db:"is_approved"`
	ApprovedBy        *uuid.UUID `db:"approved_by"`
	ApprovedAt        *time.Time `db:"approved_at"`
	LastActiveAt      *time.Time `db:"last_active_at"`
	UserAgent         string     `db:"user_agent"`
	CreatedAt         time.Time  `db:"created_at"`
}

// Login attempt outcome classes
const (
	AttemptSuccess    = "success"
	AttemptBlocked    = "blocked"
	AttemptSuspicious = "suspicious"
)

// LoginAttempt is one append-only audit row; exactly one is written per
// admission engine invocation. AccountID is nullable so attempts against
// unresolved accounts still log.
type LoginAttempt struct {
	ID                uuid.UUID  `db:"id"`
	AccountID         *uuid.UUID `db:"account_id"`
	DeviceFingerprint string     `db:"device_fingerprint"`
	IPAddress         string     `db:"ip_address"`
	Country           string     `db:"country"`
	City              string     `db:"city"`
	AttemptType       string     `db:"attempt_type"`
	Reason            string     `db:"reason"`
	UserAgent         string     `db:"user_agent"`
	CreatedAt         time.Time  `db:"created_at"`
}

// Notification severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Notification is an in-portal message for an administrator. The admission
// engine creates them; the read/dismissal lifecycle belongs to the admin UI.
type Notification struct {
	ID          uuid.UUID `db:"id"`
	RecipientID uuid.UUID `db:"recipient_account_id"`
	Title       string    `db:"title"`
	Message     string    `db:"message"`
	Severity    string    `db:"severity"`
	Link        string    `db:"link"`
	Read        bool      `db:"read"`
	CreatedAt   time.Time `db:"created_at"`
}

// ListAttemptParams holds parameters for listing login attempts
type ListAttemptParams struct {
	AccountID   *uuid.UUID
	AttemptType string
	Limit       int
	Offset      int
}
