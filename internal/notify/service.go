package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/magiccat/magiccat/internal/logging"
)

// RecipientLookup finds the notification address of a user.
type RecipientLookup interface {
	GetUserEmail(ctx context.Context, userID string) (string, error)
}

// Service routes change notifications to the user's address, falling back to
// a fixed operator address.
type Service struct {
	users         RecipientLookup
	emailNotifier Notifier
	fallback      string
	logger        *slog.Logger
}

// NewService creates a notification service. users and emailNotifier may be nil.
func NewService(users RecipientLookup, emailNotifier Notifier, fallback string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:         users,
		emailNotifier: emailNotifier,
		fallback:      fallback,
		logger:        logger.With(slog.String("component", "notify")),
	}
}

// Notify sends the change to its user. A missing recipient or an unconfigured
// notifier is not an error.
func (s *Service) Notify(ctx context.Context, change Change) error {
	if !s.IsEmailAvailable() {
		return nil
	}

	recipient, err := s.recipient(ctx, change.UserID)
	if err != nil {
		return err
	}
	if recipient == "" {
		s.logger.Debug("no notification address", logging.UserHash(change.UserID))
		return nil
	}

	if err := s.emailNotifier.Send(ctx, &change, recipient); err != nil {
		return fmt.Errorf("%s notification failed: %w", s.emailNotifier.Name(), err)
	}
	s.logger.Info("notification sent",
		slog.String("kind", string(change.Kind)),
		slog.String("notifier", s.emailNotifier.Name()),
		logging.UserHash(change.UserID),
	)
	return nil
}

func (s *Service) recipient(ctx context.Context, userID string) (string, error) {
	if s.users != nil && userID != "" {
		email, err := s.users.GetUserEmail(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("failed to look up recipient: %w", err)
		}
		if email != "" {
			return email, nil
		}
	}
	return s.fallback, nil
}

// IsEmailAvailable returns true if email notifications can be used
func (s *Service) IsEmailAvailable() bool {
	return s.emailNotifier != nil && s.emailNotifier.IsConfigured()
}
