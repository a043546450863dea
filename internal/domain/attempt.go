package domain

import (
	"strings"
	"time"
)

// AttemptStatus represents the per-attempt outcome of a provider call.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "PENDING"
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptSuccess    AttemptStatus = "SUCCESS"
	AttemptFailed     AttemptStatus = "FAILED"
	AttemptBounced    AttemptStatus = "BOUNCED"
	AttemptRejected   AttemptStatus = "REJECTED"
	AttemptTimeout    AttemptStatus = "TIMEOUT"
)

func (s AttemptStatus) String() string { return string(s) }

func (s AttemptStatus) IsValid() bool {
	switch s {
	case AttemptPending, AttemptInProgress, AttemptSuccess, AttemptFailed,
		AttemptBounced, AttemptRejected, AttemptTimeout:
		return true
	}
	return false
}

// IsTerminal reports whether the attempt reached its one-shot final state.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptSuccess, AttemptFailed, AttemptBounced, AttemptRejected, AttemptTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether a failure of this kind may be retried at all.
// REJECTED and BOUNCED are permanent regardless of remaining retry budget.
func (s AttemptStatus) IsRetryable() bool {
	switch s {
	case AttemptTimeout, AttemptFailed:
		return true
	}
	return false
}

// RetryBaseDelay is the backoff base for this failure kind. Timeouts come
// back faster than generic transient failures.
func (s AttemptStatus) RetryBaseDelay() time.Duration {
	switch s {
	case AttemptTimeout:
		return 2 * time.Second
	case AttemptFailed:
		return 5 * time.Second
	}
	return 0
}

func ParseAttemptStatusFromString(s string) (AttemptStatus, error) {
	st := AttemptStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", ErrValidation
	}
	return st, nil
}

// DeliveryAttempt records a single delivery attempt for a notification.
// It is created PENDING when the orchestrator commits to a provider call and
// finalized exactly once with the call outcome; immutable thereafter.
type DeliveryAttempt struct {
	ID                string        `gorm:"type:uuid;primaryKey"`
	NotificationID    string        `gorm:"type:uuid;not null"`
	Channel           Channel       `gorm:"type:varchar(10);not null"`
	ProviderName      string        `gorm:"type:varchar(64);not null"`
	Status            AttemptStatus `gorm:"type:varchar(20);not null"`
	RecipientAddress  string        `gorm:"type:varchar(512);not null"`
	SenderAddress     string        `gorm:"type:varchar(512)"`
	ExternalID        *string       `gorm:"type:varchar(255)"`
	ProviderMessageID *string       `gorm:"type:varchar(255)"`
	ResponseCode      *int          `gorm:"type:int"`
	ResponseMessage   *string       `gorm:"type:text"`
	ErrorMessage      *string       `gorm:"type:text"`
	ProcessingTimeMs  *int64        `gorm:"type:bigint"`
	CostCents         *int64        `gorm:"type:bigint"`
	AttemptNumber     int           `gorm:"not null"`
	MaxAttempts       int           `gorm:"not null"`
	NextAttemptAt     *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
