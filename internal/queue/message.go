package queue

import (
	"fmt"
	"strings"

	"github.com/tkanat/notify-dispatch/internal/domain"
)

// Envelope is the broker payload wrapping a notification reference plus the
// delivery metadata the router needs. It exists only on the wire.
type Envelope struct {
	NotificationID string          `json:"notificationId"`
	UserID         string          `json:"userId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Channel        domain.Channel  `json:"channel"`
	Type           string          `json:"type,omitempty"`
	Priority       domain.Priority `json:"priority"`
	RetryCount     int             `json:"retryCount"`
	OriginalQueue  string          `json:"originalQueue,omitempty"`
	Scheduled      bool            `json:"scheduled,omitempty"`
	DLQReason      string          `json:"dlqReason,omitempty"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if !e.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", e.Channel)
	}
	if !e.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", e.Priority)
	}
	if e.RetryCount < 0 {
		return fmt.Errorf("retry count must not be negative")
	}
	return nil
}

// EnvelopeFor builds the wire envelope for a notification snapshot.
func EnvelopeFor(n domain.Notification) Envelope {
	return Envelope{
		NotificationID: n.ID,
		UserID:         n.UserID,
		CorrelationID:  n.CorrelationID,
		Channel:        n.Channel,
		Type:           n.Type,
		Priority:       n.Priority,
		RetryCount:     n.RetryCount,
	}
}
