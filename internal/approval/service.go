// Package approval is the administrator back office for the device ledger:
// the approval queue, per-account device listings, revocation, the audit log
// view, and admin notifications.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/subportal/backend/internal/repository"
)

// Service errors
var (
	ErrSessionNotFound      = errors.New("device session not found")
	ErrNotificationNotFound = errors.New("notification not found")
)

// Service implements the administrative actions on the session ledger
type Service struct {
	sessions      repository.DeviceSessionRepository
	attempts      repository.LoginAttemptRepository
	notifications repository.NotificationRepository
	logger        *slog.Logger
}

// NewService creates a new approval Service instance
func NewService(
	sessions repository.DeviceSessionRepository,
	attempts repository.LoginAttemptRepository,
	notifications repository.NotificationRepository,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions:      sessions,
		attempts:      attempts,
		notifications: notifications,
		logger:        logger,
	}
}

// Approve marks a pending device session trusted. The ledger deactivates
// every other session for the account in the same transaction, so the
// single-active-device rule is enforced here, at approval time, rather than
// on the login path.
func (s *Service) Approve(ctx context.Context, sessionID, approverID uuid.UUID) error {
	if err := s.sessions.Approve(ctx, sessionID, approverID); err != nil {
		if errors.Is(err, repository.ErrDeviceSessionNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("approve session: %w", err)
	}

	s.logger.Info("device session approved",
		"session_id", sessionID,
		"approver_id", approverID,
	)
	return nil
}

// Revoke deactivates a device session without touching its approval status
func (s *Service) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.sessions.Deactivate(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrDeviceSessionNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("revoke session: %w", err)
	}

	s.logger.Info("device session revoked", "session_id", sessionID)
	return nil
}

// ListDevices returns the full ledger for one account
func (s *Service) ListDevices(ctx context.Context, accountID uuid.UUID) ([]repository.DeviceSession, error) {
	return s.sessions.ListByAccount(ctx, accountID)
}

// ListPending returns the approval queue, oldest first
func (s *Service) ListPending(ctx context.Context, limit int) ([]repository.DeviceSession, error) {
	return s.sessions.ListPending(ctx, limit)
}

// ListAttempts returns a page of the login attempt audit log
func (s *Service) ListAttempts(ctx context.Context, params repository.ListAttemptParams) ([]repository.LoginAttempt, int, error) {
	return s.attempts.List(ctx, params)
}

// ListNotifications returns an administrator's notifications
func (s *Service) ListNotifications(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit int) ([]repository.Notification, error) {
	return s.notifications.ListByRecipient(ctx, recipientID, unreadOnly, limit)
}

// MarkNotificationRead flags a notification as read
func (s *Service) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	if err := s.notifications.MarkRead(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotificationNotFound) {
			return ErrNotificationNotFound
		}
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}
