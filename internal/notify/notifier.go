// Package notify implements the "notify administrators of event E"
// capability. The admission engine hands it one alert per event; the fan-out
// to every administrator account happens here, not in the engine.
package notify

import (
	"context"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"
	"github.com/subportal/backend/internal/metrics"
	"github.com/subportal/backend/internal/repository"
)

// Alert is one administrator-facing event
type Alert struct {
	Title    string
	Message  string
	Severity string
	Link     string
}

// Service fans alerts out to all administrator accounts as in-portal
// notification rows. Delivery transports (push, email) are out of scope;
// writing the rows is the whole job.
type Service struct {
	accounts      repository.AccountRepository
	notifications repository.NotificationRepository
	policy        *bluemonday.Policy
	logger        *slog.Logger
}

// NewService creates a new notify Service instance
func NewService(
	accounts repository.AccountRepository,
	notifications repository.NotificationRepository,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		accounts:      accounts,
		notifications: notifications,
		// Alert text embeds client-supplied strings (device names, user
		// agents) that the admin UI renders; strip any markup.
		policy: bluemonday.StrictPolicy(),
		logger: logger,
	}
}

// NotifyAdministrators writes one notification row per administrator account.
// Failures are logged and swallowed: a notification that cannot be written
// must never veto an already-decided admission verdict.
func (s *Service) NotifyAdministrators(ctx context.Context, alert Alert) {
	admins, err := s.accounts.ListAdministrators(ctx)
	if err != nil {
		s.logger.Error("failed to list administrators for notification", "title", alert.Title, "error", err)
		return
	}
	if len(admins) == 0 {
		s.logger.Warn("no administrator accounts to notify", "title", alert.Title)
		return
	}

	severity := alert.Severity
	if severity == "" {
		severity = repository.SeverityInfo
	}

	title := s.policy.Sanitize(alert.Title)
	message := s.policy.Sanitize(alert.Message)

	for _, admin := range admins {
		notification := &repository.Notification{
			RecipientID: admin.ID,
			Title:       title,
			Message:     message,
			Severity:    severity,
			Link:        alert.Link,
		}
		if err := s.notifications.Insert(ctx, notification); err != nil {
			s.logger.Error("failed to write admin notification",
				"recipient_id", admin.ID,
				"title", title,
				"error", err,
			)
			continue
		}
		metrics.NotificationsWritten.Inc()
	}
}
