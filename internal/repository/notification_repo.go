package repository

import (
	"context"
	"errors"
	"time"

	"github.com/tkanat/notify-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListParams struct {
	Status   *domain.Status
	Channel  *domain.Channel
	UserID   *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	ClaimForProcessing(ctx context.Context, id string) (*domain.Notification, error)
	ReleaseClaim(ctx context.Context, id string) (bool, error)
	MarkQueued(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string, externalID string, delivered bool) error
	MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, errorMessage string) error
	MarkFailed(ctx context.Context, id string, errorMessage string) error
	MarkRead(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	GetDueForRetry(ctx context.Context, limit int) ([]domain.Notification, error)
	GetDueForSchedule(ctx context.Context, limit int) ([]domain.Notification, error)
	GetPending(ctx context.Context, limit int) ([]domain.Notification, error)
	GetStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]domain.Notification, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}
	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}

	return notifications, total, nil
}

func (r *GormNotificationRepo) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimForProcessing locks the row and moves it to PROCESSING if and only if
// it is in a claimable state. Returning nil (no error) means another worker
// owns it or it already reached a terminal state; callers ack and skip. This
// is the single-attempt-in-flight guard.
func (r *GormNotificationRepo) ClaimForProcessing(ctx context.Context, id string) (*domain.Notification, error) {
	var claimed *domain.Notification

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model NotificationModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		if !model.Status.CanTransitionTo(domain.StatusProcessing) {
			return nil
		}

		if err := tx.
			Model(&model).
			Update("status", domain.StatusProcessing).Error; err != nil {
			return err
		}

		model.Status = domain.StatusProcessing
		claimed = notificationModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// ReleaseClaim returns a claimed notification to QUEUED when the pipeline
// fails before any delivery attempt exists. Without this, an infrastructure
// error after the claim would strand the row in PROCESSING where no recovery
// scan looks. The status guard makes the release a no-op once the row moved
// past PROCESSING.
func (r *GormNotificationRepo) ReleaseClaim(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Update("status", domain.StatusQueued)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkQueued promotes PENDING to QUEUED after a successful publish. The
// status guard keeps a concurrent cancel from being overwritten; false means
// the notification moved on and the publish outcome should just be logged.
func (r *GormNotificationRepo) MarkQueued(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Update("status", domain.StatusQueued)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormNotificationRepo) MarkSent(ctx context.Context, id string, externalID string, delivered bool) error {
	status := domain.StatusSent
	if delivered {
		status = domain.StatusDelivered
	}

	updates := map[string]any{
		"status":        status,
		"error_message": nil,
	}
	if externalID != "" {
		updates["external_id"] = externalID
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationRepo) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, errorMessage string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ? AND retry_count < max_retry_attempts", id, domain.StatusProcessing).
		Updates(map[string]any{
			"status":        domain.StatusRetry,
			"next_retry_at": nextRetryAt,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": errorMessage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationRepo) MarkFailed(ctx context.Context, id string, errorMessage string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(map[string]any{
			"status":        domain.StatusFailed,
			"error_message": errorMessage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationRepo) MarkRead(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusDelivered).
		Update("status", domain.StatusRead)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Cancel succeeds only before a worker claims the notification; once
// PROCESSING the in-flight provider call runs to completion or timeout.
func (r *GormNotificationRepo) Cancel(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status IN ?", id, []domain.Status{domain.StatusPending, domain.StatusQueued}).
		Update("status", domain.StatusCanceled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationRepo) GetDueForRetry(ctx context.Context, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", domain.StatusRetry, time.Now()).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toDomainSlice(models), nil
}

func (r *GormNotificationRepo) GetDueForSchedule(ctx context.Context, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", domain.StatusPending, time.Now()).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toDomainSlice(models), nil
}

func (r *GormNotificationRepo) GetPending(ctx context.Context, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND (scheduled_at IS NULL OR scheduled_at <= ?)",
			[]domain.Status{domain.StatusPending, domain.StatusQueued}, time.Now()).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toDomainSlice(models), nil
}

// GetStaleProcessing finds notifications stranded in PROCESSING with no
// unresolved delivery attempt: a worker died or errored between the claim and
// the attempt insert, so neither the pending scan nor the attempt-based
// status reconciliation can see them. Rows with an in-flight attempt are left
// to that reconciliation.
func (r *GormNotificationRepo) GetStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]domain.Notification, error) {
	unresolved := r.db.
		Model(&DeliveryAttemptModel{}).
		Select("1").
		Where("delivery_attempts.notification_id = notifications.id AND delivery_attempts.status IN ?",
			[]domain.AttemptStatus{domain.AttemptPending, domain.AttemptInProgress})

	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ? AND NOT EXISTS (?)", domain.StatusProcessing, olderThan, unresolved).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toDomainSlice(models), nil
}

func toDomainSlice(models []NotificationModel) []domain.Notification {
	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications
}
