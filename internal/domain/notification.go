package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusRetry      Status = "RETRY"
	StatusSent       Status = "SENT"
	StatusDelivered  Status = "DELIVERED"
	StatusRead       Status = "READ"
	StatusFailed     Status = "FAILED"
	StatusCanceled   Status = "CANCELED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusQueued, StatusProcessing, StatusRetry,
		StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether delivery processing is finished for this status.
// READ is a user-action terminal reachable only from DELIVERED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CanTransitionTo enforces the delivery state machine. All transitions are
// one-way except the RETRY <-> PROCESSING loop; self-transitions are rejected.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return false
	}

	switch s {
	case StatusDraft:
		return next == StatusPending
	case StatusPending:
		return next == StatusQueued || next == StatusProcessing || next == StatusCanceled
	case StatusQueued:
		return next == StatusProcessing || next == StatusCanceled
	case StatusProcessing:
		return next == StatusSent || next == StatusDelivered || next == StatusRetry || next == StatusFailed
	case StatusRetry:
		return next == StatusProcessing
	case StatusSent:
		return next == StatusDelivered
	case StatusDelivered:
		return next == StatusRead
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "EMAIL"
	ChannelSMS     Channel = "SMS"
	ChannelPush    Channel = "PUSH"
	ChannelInApp   Channel = "IN_APP"
	ChannelWebhook Channel = "WEBHOOK"
	ChannelSlack   Channel = "SLACK"
	ChannelTeams   Channel = "TEAMS"
	ChannelDiscord Channel = "DISCORD"
)

// Channels lists every supported delivery channel in declaration order.
var Channels = []Channel{
	ChannelEmail,
	ChannelSMS,
	ChannelPush,
	ChannelInApp,
	ChannelWebhook,
	ChannelSlack,
	ChannelTeams,
	ChannelDiscord,
}

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Priority represents the message priority level.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityUrgent   Priority = "URGENT"
	PriorityCritical Priority = "CRITICAL"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

// IsExpedited reports whether the priority warrants the dedicated priority
// queue instead of the channel work queue.
func (p Priority) IsExpedited() bool {
	return p == PriorityUrgent || p == PriorityCritical
}

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// Content limits per channel (in characters).
const (
	MaxSMSContent   = 160
	MaxPushContent  = 240
	MaxEmailContent = 100000
)

// Notification is the core domain entity representing a message to be delivered.
type Notification struct {
	ID               string   `gorm:"type:uuid;primaryKey"`
	UserID           string   `gorm:"type:varchar(64);not null"`
	CorrelationID    string   `gorm:"type:varchar(36);not null"`
	IdempotencyKey   *string  `gorm:"type:varchar(255)"`
	Channel          Channel  `gorm:"type:varchar(10);not null"`
	Type             string   `gorm:"type:varchar(64);not null"`
	Priority         Priority `gorm:"type:varchar(10);not null"`
	Status           Status   `gorm:"type:varchar(20);not null"`
	RecipientAddress string   `gorm:"type:varchar(512);not null"`
	SenderAddress    string   `gorm:"type:varchar(512)"`
	Subject          string   `gorm:"type:varchar(998)"`
	Content          string   `gorm:"type:text"`
	HTMLContent      string   `gorm:"type:text"`
	TemplateID       *string  `gorm:"type:varchar(128)"`
	TemplateVars     []byte   `gorm:"type:jsonb"`
	ExternalID       *string  `gorm:"type:varchar(255)"`
	ErrorMessage     *string  `gorm:"type:text"`
	RetryCount       int      `gorm:"not null;default:0"`
	MaxRetryAttempts int      `gorm:"not null;default:3"`
	ScheduledAt      *time.Time
	ExpiresAt        *time.Time
	NextRetryAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if strings.TrimSpace(n.RecipientAddress) == "" {
		return fmt.Errorf("%w: recipient address is required", ErrValidation)
	}
	if strings.TrimSpace(n.Type) == "" {
		return fmt.Errorf("%w: notification type is required", ErrValidation)
	}
	if n.Content == "" && n.TemplateID == nil {
		return fmt.Errorf("%w: content or template id is required", ErrValidation)
	}
	if !n.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, n.Channel)
	}
	if !n.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, n.Priority)
	}
	if n.RetryCount > n.MaxRetryAttempts {
		return fmt.Errorf("%w: retry count %d exceeds max retry attempts %d", ErrValidation, n.RetryCount, n.MaxRetryAttempts)
	}
	if n.ScheduledAt != nil && n.ExpiresAt != nil && !n.ScheduledAt.Before(*n.ExpiresAt) {
		return fmt.Errorf("%w: scheduled time must precede expiry", ErrValidation)
	}

	contentLen := len([]rune(n.Content))
	switch n.Channel {
	case ChannelSMS:
		if contentLen > MaxSMSContent {
			return fmt.Errorf("%w: SMS content exceeds %d characters (got %d)", ErrValidation, MaxSMSContent, contentLen)
		}
	case ChannelPush:
		if contentLen > MaxPushContent {
			return fmt.Errorf("%w: push content exceeds %d characters (got %d)", ErrValidation, MaxPushContent, contentLen)
		}
	case ChannelEmail:
		if contentLen > MaxEmailContent {
			return fmt.Errorf("%w: email content exceeds %d characters (got %d)", ErrValidation, MaxEmailContent, contentLen)
		}
	}

	return nil
}

// CanRetry reports whether the notification still has retry budget.
func (n *Notification) CanRetry() bool {
	return n.RetryCount < n.MaxRetryAttempts
}

// IsExpired reports whether the notification passed its expiry at the given time.
func (n *Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}
