package repository

import (
	"context"
	"time"

	"github.com/tkanat/notify-dispatch/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	Finalize(ctx context.Context, a *domain.DeliveryAttempt) error
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
	GetStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

// Finalize writes the attempt's one-shot terminal outcome. The status guard
// keeps already-finalized attempts immutable: finalizing twice is a conflict,
// not an overwrite.
func (r *GormAttemptRepo) Finalize(ctx context.Context, a *domain.DeliveryAttempt) error {
	if a == nil {
		return domain.ErrValidation
	}

	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ? AND status IN ?", a.ID, []domain.AttemptStatus{domain.AttemptPending, domain.AttemptInProgress}).
		Updates(map[string]any{
			"status":              a.Status,
			"external_id":         a.ExternalID,
			"provider_message_id": a.ProviderMessageID,
			"response_code":       a.ResponseCode,
			"response_message":    a.ResponseMessage,
			"error_message":       a.ErrorMessage,
			"processing_time_ms":  a.ProcessingTimeMs,
			"cost_cents":          a.CostCents,
			"next_attempt_at":     a.NextAttemptAt,
			"delivered_at":        a.DeliveredAt,
			"failed_at":           a.FailedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return attemptsToDomain(models), nil
}

// GetStale finds attempts stuck in a non-terminal state past the staleness
// threshold; these feed the asynchronous status reconciliation scan.
func (r *GormAttemptRepo) GetStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]domain.AttemptStatus{domain.AttemptPending, domain.AttemptInProgress}, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return attemptsToDomain(models), nil
}

func attemptsToDomain(models []DeliveryAttemptModel) []domain.DeliveryAttempt {
	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}
	return attempts
}
