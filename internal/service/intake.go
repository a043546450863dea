package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tkanat/notify-dispatch/internal/domain"
	"github.com/tkanat/notify-dispatch/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxRetryAttempts = 3

// NotificationRouter publishes freshly accepted notifications to their work
// queue, immediately or through the delayed hold queue for scheduled ones.
type NotificationRouter interface {
	Route(ctx context.Context, n domain.Notification) error
}

// NotificationService owns the intake side: accepting, reading, listing and
// canceling notifications. Delivery itself belongs to the Orchestrator.
type NotificationService struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	router        NotificationRouter
	logger        *zap.Logger
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	router NotificationRouter,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if router == nil {
		return nil, fmt.Errorf("notification router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		attempts:      attempts,
		router:        router,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Create validates and persists the notification, then routes it to its work
// queue. A duplicate idempotency key returns the previously accepted
// notification instead of an error. When publishing fails the notification
// stays PENDING; the pending sweep picks it up later, so intake never loses
// an accepted notification to a broker outage.
func (s *NotificationService) Create(ctx context.Context, notification *domain.Notification) (*domain.Notification, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := prepareNotificationForCreate(notification); err != nil {
		return nil, err
	}

	if err := s.notifications.Create(ctx, notification); err != nil {
		existing, resolved, resolveErr := s.resolveIdempotencyConflict(ctx, err, notification.IdempotencyKey)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if resolved {
			return existing, nil
		}
		return nil, err
	}

	if err := s.router.Route(ctx, *notification); err != nil {
		s.logger.Error("failed to route notification, leaving pending for sweep",
			zap.String("notificationId", notification.ID),
			zap.String("channel", string(notification.Channel)),
			zap.Error(err),
		)
		return notification, nil
	}

	queued, err := s.notifications.MarkQueued(ctx, notification.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark notification queued: %w", err)
	}
	if queued {
		notification.Status = domain.StatusQueued
	}

	return notification, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

// GetAttempts returns the full delivery attempt history for a notification,
// ordered by attempt number.
func (s *NotificationService) GetAttempts(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	if strings.TrimSpace(notificationID) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	if _, err := s.notifications.GetByID(ctx, strings.TrimSpace(notificationID)); err != nil {
		return nil, err
	}
	return s.attempts.GetByNotificationID(ctx, strings.TrimSpace(notificationID))
}

func (s *NotificationService) Cancel(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.Cancel(ctx, strings.TrimSpace(id))
}

// MarkRead records the recipient opening a delivered notification.
func (s *NotificationService) MarkRead(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.MarkRead(ctx, strings.TrimSpace(id))
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	return s.notifications.List(ctx, params)
}

func prepareNotificationForCreate(n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	n.RecipientAddress = strings.TrimSpace(n.RecipientAddress)
	n.SenderAddress = strings.TrimSpace(n.SenderAddress)
	n.Content = strings.TrimSpace(n.Content)
	n.Type = strings.TrimSpace(n.Type)
	n.CorrelationID = strings.TrimSpace(n.CorrelationID)
	if n.CorrelationID == "" {
		n.CorrelationID = uuid.NewString()
	}

	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	n.IdempotencyKey = normalizeOptionalString(n.IdempotencyKey)

	if n.Priority == "" {
		n.Priority = domain.PriorityNormal
	}

	n.Status = domain.StatusPending
	n.RetryCount = 0
	if n.MaxRetryAttempts <= 0 {
		n.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	n.ExternalID = nil
	n.ErrorMessage = nil
	n.NextRetryAt = nil

	return n.Validate()
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (s *NotificationService) resolveIdempotencyConflict(
	ctx context.Context,
	createErr error,
	idempotencyKey *string,
) (*domain.Notification, bool, error) {
	if idempotencyKey == nil || strings.TrimSpace(*idempotencyKey) == "" {
		return nil, false, nil
	}
	if !isUniqueViolationError(createErr) {
		return nil, false, nil
	}

	existing, err := s.notifications.GetByIdempotencyKey(ctx, strings.TrimSpace(*idempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing notification after idempotency conflict: %w", err)
	}
	s.logger.Info("idempotency conflict resolved",
		zap.String("existingId", existing.ID),
		zap.String("idempotencyKey", *idempotencyKey),
	)
	return existing, true, nil
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
