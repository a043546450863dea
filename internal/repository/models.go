package repository

import (
	"time"

	"github.com/tkanat/notify-dispatch/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID               string          `gorm:"type:uuid;primaryKey"`
	UserID           string          `gorm:"type:varchar(64);not null"`
	CorrelationID    string          `gorm:"type:varchar(36);not null"`
	IdempotencyKey   *string         `gorm:"type:varchar(255)"`
	Channel          domain.Channel  `gorm:"type:varchar(10);not null"`
	Type             string          `gorm:"type:varchar(64);not null"`
	Priority         domain.Priority `gorm:"type:varchar(10);not null"`
	Status           domain.Status   `gorm:"type:varchar(20);not null"`
	RecipientAddress string          `gorm:"type:varchar(512);not null"`
	SenderAddress    string          `gorm:"type:varchar(512)"`
	Subject          string          `gorm:"type:varchar(998)"`
	Content          string          `gorm:"type:text"`
	HTMLContent      string          `gorm:"type:text"`
	TemplateID       *string         `gorm:"type:varchar(128)"`
	TemplateVars     []byte          `gorm:"type:jsonb"`
	ExternalID       *string         `gorm:"type:varchar(255)"`
	ErrorMessage     *string         `gorm:"type:text"`
	RetryCount       int             `gorm:"not null;default:0"`
	MaxRetryAttempts int             `gorm:"not null;default:3"`
	ScheduledAt      *time.Time      `gorm:"type:timestamptz"`
	ExpiresAt        *time.Time      `gorm:"type:timestamptz"`
	NextRetryAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	NotificationID    string               `gorm:"type:uuid;not null"`
	Channel           domain.Channel       `gorm:"type:varchar(10);not null"`
	ProviderName      string               `gorm:"type:varchar(64);not null"`
	Status            domain.AttemptStatus `gorm:"type:varchar(20);not null"`
	RecipientAddress  string               `gorm:"type:varchar(512);not null"`
	SenderAddress     string               `gorm:"type:varchar(512)"`
	ExternalID        *string              `gorm:"type:varchar(255)"`
	ProviderMessageID *string              `gorm:"type:varchar(255)"`
	ResponseCode      *int                 `gorm:"type:int"`
	ResponseMessage   *string              `gorm:"type:text"`
	ErrorMessage      *string              `gorm:"type:text"`
	ProcessingTimeMs  *int64               `gorm:"type:bigint"`
	CostCents         *int64               `gorm:"type:bigint"`
	AttemptNumber     int                  `gorm:"not null"`
	MaxAttempts       int                  `gorm:"not null"`
	NextAttemptAt     *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:               n.ID,
		UserID:           n.UserID,
		CorrelationID:    n.CorrelationID,
		IdempotencyKey:   n.IdempotencyKey,
		Channel:          n.Channel,
		Type:             n.Type,
		Priority:         n.Priority,
		Status:           n.Status,
		RecipientAddress: n.RecipientAddress,
		SenderAddress:    n.SenderAddress,
		Subject:          n.Subject,
		Content:          n.Content,
		HTMLContent:      n.HTMLContent,
		TemplateID:       n.TemplateID,
		TemplateVars:     n.TemplateVars,
		ExternalID:       n.ExternalID,
		ErrorMessage:     n.ErrorMessage,
		RetryCount:       n.RetryCount,
		MaxRetryAttempts: n.MaxRetryAttempts,
		ScheduledAt:      n.ScheduledAt,
		ExpiresAt:        n.ExpiresAt,
		NextRetryAt:      n.NextRetryAt,
		CreatedAt:        n.CreatedAt,
		UpdatedAt:        n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:               m.ID,
		UserID:           m.UserID,
		CorrelationID:    m.CorrelationID,
		IdempotencyKey:   m.IdempotencyKey,
		Channel:          m.Channel,
		Type:             m.Type,
		Priority:         m.Priority,
		Status:           m.Status,
		RecipientAddress: m.RecipientAddress,
		SenderAddress:    m.SenderAddress,
		Subject:          m.Subject,
		Content:          m.Content,
		HTMLContent:      m.HTMLContent,
		TemplateID:       m.TemplateID,
		TemplateVars:     m.TemplateVars,
		ExternalID:       m.ExternalID,
		ErrorMessage:     m.ErrorMessage,
		RetryCount:       m.RetryCount,
		MaxRetryAttempts: m.MaxRetryAttempts,
		ScheduledAt:      m.ScheduledAt,
		ExpiresAt:        m.ExpiresAt,
		NextRetryAt:      m.NextRetryAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:                a.ID,
		NotificationID:    a.NotificationID,
		Channel:           a.Channel,
		ProviderName:      a.ProviderName,
		Status:            a.Status,
		RecipientAddress:  a.RecipientAddress,
		SenderAddress:     a.SenderAddress,
		ExternalID:        a.ExternalID,
		ProviderMessageID: a.ProviderMessageID,
		ResponseCode:      a.ResponseCode,
		ResponseMessage:   a.ResponseMessage,
		ErrorMessage:      a.ErrorMessage,
		ProcessingTimeMs:  a.ProcessingTimeMs,
		CostCents:         a.CostCents,
		AttemptNumber:     a.AttemptNumber,
		MaxAttempts:       a.MaxAttempts,
		NextAttemptAt:     a.NextAttemptAt,
		DeliveredAt:       a.DeliveredAt,
		FailedAt:          a.FailedAt,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:                m.ID,
		NotificationID:    m.NotificationID,
		Channel:           m.Channel,
		ProviderName:      m.ProviderName,
		Status:            m.Status,
		RecipientAddress:  m.RecipientAddress,
		SenderAddress:     m.SenderAddress,
		ExternalID:        m.ExternalID,
		ProviderMessageID: m.ProviderMessageID,
		ResponseCode:      m.ResponseCode,
		ResponseMessage:   m.ResponseMessage,
		ErrorMessage:      m.ErrorMessage,
		ProcessingTimeMs:  m.ProcessingTimeMs,
		CostCents:         m.CostCents,
		AttemptNumber:     m.AttemptNumber,
		MaxAttempts:       m.MaxAttempts,
		NextAttemptAt:     m.NextAttemptAt,
		DeliveredAt:       m.DeliveredAt,
		FailedAt:          m.FailedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
