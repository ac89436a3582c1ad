// Package admission implements the device-bound login admission engine: the
// decision procedure that, after the primary credential check has succeeded,
// decides whether a login proceeds, waits for administrator approval, or is
// blocked as suspicious, and maintains the device session ledger.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/subportal/backend/internal/geoip"
	"github.com/subportal/backend/internal/notify"
	"github.com/subportal/backend/internal/repository"
)

// Engine errors
var (
	// ErrInvalidInput means the account id or device fingerprint is missing
	// or malformed; rejected before any storage access.
	ErrInvalidInput = errors.New("account id and device fingerprint are required")
	// ErrUnknownAccount means the account id did not resolve. The attempt is
	// still logged (with a null account id) but the call fails closed.
	ErrUnknownAccount = errors.New("account could not be resolved")
)

// AdminNotifier is the engine's view of the notification fan-out capability
type AdminNotifier interface {
	NotifyAdministrators(ctx context.Context, alert notify.Alert)
}

// Engine evaluates one login attempt per invocation. It is stateless between
// calls; all shared state lives in the record store, so concurrent logins for
// the same account are reconciled through the ledger's uniqueness constraint
// rather than in-process locking.
type Engine struct {
	accounts repository.AccountRepository
	sessions repository.DeviceSessionRepository
	attempts repository.LoginAttemptRepository
	notifier AdminNotifier
	geo      geoip.Resolver
	detector *Detector
	logger   *slog.Logger
}

// Config holds the engine's collaborators
type Config struct {
	Accounts repository.AccountRepository
	Sessions repository.DeviceSessionRepository
	Attempts repository.LoginAttemptRepository
	Notifier AdminNotifier
	Geo      geoip.Resolver
	Detector *Detector
	Logger   *slog.Logger
}

// NewEngine creates a new admission Engine instance
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		accounts: cfg.Accounts,
		sessions: cfg.Sessions,
		attempts: cfg.Attempts,
		notifier: cfg.Notifier,
		geo:      cfg.Geo,
		detector: cfg.Detector,
		logger:   logger,
	}
}

// Check runs the admission decision table for one login attempt. Exactly one
// login attempt row is written per call, whatever the verdict. Storage read
// failures fail closed (error, never a default allow); audit and notification
// write failures never overturn an already-decided verdict.
func (e *Engine) Check(ctx context.Context, req CheckRequest, sourceIP string) (*Decision, error) {
	if req.AccountID == "" || req.DeviceFingerprint == "" {
		return nil, ErrInvalidInput
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		return nil, ErrInvalidInput
	}

	// Geolocation is best-effort; Unknown never blocks a verdict.
	loc := e.geo.Resolve(ctx, sourceIP)
	meta := repository.DeviceMeta{
		DeviceName: req.DeviceName,
		IPAddress:  sourceIP,
		Country:    loc.Country,
		City:       loc.City,
		UserAgent:  req.UserAgent,
	}

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			e.audit(ctx, nil, req.DeviceFingerprint, meta, repository.AttemptBlocked, "unknown account")
			return nil, ErrUnknownAccount
		}
		return nil, fmt.Errorf("resolve account: %w", err)
	}

	// A concurrent login for the same (account, fingerprint) may insert the
	// ledger row between our read and our insert. The uniqueness constraint
	// surfaces that as ErrDeviceSessionExists, which means "re-read and
	// re-enter the decision table", not failure. One retry is enough: the row
	// now exists, so re-evaluation lands in the known-device rules.
	for attempt := 0; attempt < 2; attempt++ {
		decision, err := e.evaluate(ctx, account, req.DeviceFingerprint, meta)
		if errors.Is(err, repository.ErrDeviceSessionExists) {
			e.logger.Info("device session insert conflict, re-evaluating",
				"account_id", account.ID,
				"fingerprint", req.DeviceFingerprint,
			)
			continue
		}
		return decision, err
	}

	return nil, fmt.Errorf("admission not decidable: repeated session insert conflict for account %s", account.ID)
}

// evaluate walks the ordered decision table once; the first matching rule wins
func (e *Engine) evaluate(ctx context.Context, account *repository.Account, fingerprint string, meta repository.DeviceMeta) (*Decision, error) {
	accountID := account.ID

	// Rule 1: administrators bypass every device and geography check. This is
	// a total bypass, so the rest of the table stays role-agnostic.
	if account.IsAdministrator() {
		e.audit(ctx, &accountID, fingerprint, meta, repository.AttemptSuccess, "administrator bypass")
		return allow(msgAdminAllowed, nil, true), nil
	}

	session, err := e.sessions.GetByAccountAndFingerprint(ctx, accountID, fingerprint)
	if err != nil && !errors.Is(err, repository.ErrDeviceSessionNotFound) {
		return nil, fmt.Errorf("load device session: %w", err)
	}

	if session != nil {
		// Rule 2: approved device re-login. Approval is a one-way transition,
		// so no re-approval is ever needed here.
		if session.IsApproved {
			if err := e.sessions.Reactivate(ctx, session.ID, meta); err != nil {
				return nil, fmt.Errorf("reactivate device session: %w", err)
			}
			e.audit(ctx, &accountID, fingerprint, meta, repository.AttemptSuccess, "trusted device re-login")
			sessionID := session.ID
			return allow(msgTrustedDevice, &sessionID, false), nil
		}

		// Rule 3: known device still awaiting approval; no mutation.
		e.audit(ctx, &accountID, fingerprint, meta, repository.AttemptBlocked, "pending approval")
		return deny(ReasonPendingApproval, msgPendingDevice), nil
	}

	// Rule 4: unseen device while another device is active (single-device
	// policy for standard accounts).
	activeOthers, err := e.sessions.CountActive(ctx, accountID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("count active devices: %w", err)
	}
	if activeOthers > 0 {
		pending := newPendingSession(accountID, fingerprint, meta)
		if err := e.sessions.Insert(ctx, pending); err != nil {
			return nil, err
		}
		reason := fmt.Sprintf("device limit, %d other active device(s)", activeOthers)
		e.audit(ctx, &accountID, fingerprint, meta, repository.AttemptBlocked, reason)
		e.notifier.NotifyAdministrators(ctx, notify.Alert{
			Title:    "Device limit reached",
			Message:  fmt.Sprintf("Account %s tried to sign in from new device %q while another device is active.", account.Handle, displayName(meta)),
			Severity: repository.SeverityWarning,
			Link:     "/admin/devices/pending",
		})
		return deny(ReasonDeviceLimit, msgDeviceLimit), nil
	}

	// Rule 5: impossible-travel check against the last successful login.
	prev, err := e.attempts.LastSuccessful(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load login history: %w", err)
	}
	if suspicious, reason := e.detector.Evaluate(prev, meta.Country, time.Now().UTC()); suspicious {
		// No ledger row is created or touched for a suspicious attempt.
		e.audit(ctx, &accountID, fingerprint, meta, repository.AttemptSuspicious, reason)
		e.notifier.NotifyAdministrators(ctx, notify.Alert{
			Title:    "Suspicious login blocked",
			Message:  fmt.Sprintf("Account %s: %s.", account.Handle, reason),
			Severity: repository.SeverityCritical,
			Link:     "/admin/attempts?account_id=" + accountID.String(),
		})
		return deny(ReasonSuspicious, msgSuspicious), nil
	}

	// Rule 6: very first device for the account is auto-approved.
	total, err := e.sessions.CountByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("count device sessions: %w", err)
	}
	if total == 0 {
		now := time.Now().UTC()
		first := &repository.DeviceSession{
			AccountID:         accountID,
			DeviceFingerprint: fingerprint,
			DeviceName:        meta.DeviceName,
			IPAddress:         meta.IPAddress,
			Country:           meta.Country,
			City:              meta.City,
			IsActive:          true,
			IsApproved:        true,
			ApprovedAt:        &now,
			LastActiveAt:      &now,
			UserAgent:         meta.UserAgent,
		}
		if err := e.sessions.Insert(ctx, first); err != nil {
			return nil, err
		}
		e.audit(ctx, &accountID, fingerprint, meta, repository.AttemptSuccess, "first device, auto-approved")
		sessionID := first.ID
		return allow(msgFirstDevice, &sessionID, false), nil
	}

	// Rule 7: the account has history but nothing active and nothing
	// suspicious; register the device and wait for approval.
	pending := newPendingSession(accountID, fingerprint, meta)
	if err := e.sessions.Insert(ctx, pending); err != nil {
		return nil, err
	}
	e.audit(ctx, &accountID, fingerprint, meta, repository.AttemptBlocked, "new device, approval required")
	e.notifier.NotifyAdministrators(ctx, notify.Alert{
		Title:    "New device awaiting approval",
		Message:  fmt.Sprintf("Account %s signed in from new device %q and is waiting for approval.", account.Handle, displayName(meta)),
		Severity: repository.SeverityInfo,
		Link:     "/admin/devices/pending",
	})
	return deny(ReasonNewDevice, msgNewDevice), nil
}

// Logout deactivates a device session. Approval status is untouched, so the
// device reactivates without re-approval on its next login.
func (e *Engine) Logout(ctx context.Context, sessionID uuid.UUID) error {
	return e.sessions.Deactivate(ctx, sessionID)
}

// audit appends one login attempt row. The verdict is already decided when
// this runs, so failures are logged for operators and otherwise swallowed.
func (e *Engine) audit(ctx context.Context, accountID *uuid.UUID, fingerprint string, meta repository.DeviceMeta, attemptType, reason string) {
	attempt := &repository.LoginAttempt{
		AccountID:         accountID,
		DeviceFingerprint: fingerprint,
		IPAddress:         meta.IPAddress,
		Country:           meta.Country,
		City:              meta.City,
		AttemptType:       attemptType,
		Reason:            reason,
		UserAgent:         meta.UserAgent,
	}
	if err := e.attempts.Insert(ctx, attempt); err != nil {
		e.logger.Error("failed to record login attempt",
			"account_id", accountID,
			"attempt_type", attemptType,
			"reason", reason,
			"error", err,
		)
	}
}

// newPendingSession builds an unapproved, inactive ledger row
func newPendingSession(accountID uuid.UUID, fingerprint string, meta repository.DeviceMeta) *repository.DeviceSession {
	return &repository.DeviceSession{
		AccountID:         accountID,
		DeviceFingerprint: fingerprint,
		DeviceName:        meta.DeviceName,
		IPAddress:         meta.IPAddress,
		Country:           meta.Country,
		City:              meta.City,
		IsActive:          false,
		IsApproved:        false,
		UserAgent:         meta.UserAgent,
	}
}

func displayName(meta repository.DeviceMeta) string {
	if meta.DeviceName != "" {
		return meta.DeviceName
	}
	return "unnamed device"
}
