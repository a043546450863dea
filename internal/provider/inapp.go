package provider

import (
	"context"
	"fmt"

	"github.com/tkanat/notify-dispatch/internal/domain"
)

// InboxStore persists in-app notifications for later retrieval by the user.
type InboxStore interface {
	Append(ctx context.Context, userID string, notification domain.Notification) (string, error)
}

// InAppProvider writes notifications straight into the user's inbox. Delivery
// is confirmed by the write itself, so results always report final state.
type InAppProvider struct {
	store InboxStore
}

func NewInAppProvider(store InboxStore) (*InAppProvider, error) {
	if store == nil {
		return nil, fmt.Errorf("inbox store is required")
	}
	return &InAppProvider{store: store}, nil
}

func (p *InAppProvider) Name() string { return "in-app" }

func (p *InAppProvider) CanHandle(notification domain.Notification) bool {
	return notification.Channel == domain.ChannelInApp
}

func (p *InAppProvider) IsAvailable(ctx context.Context) bool {
	return p != nil && p.store != nil
}

func (p *InAppProvider) Deliver(ctx context.Context, notification domain.Notification) (*DeliveryResult, error) {
	if p == nil || p.store == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	entryID, err := p.store.Append(ctx, notification.UserID, notification)
	if err != nil {
		return nil, &ProviderError{
			Message:   "inbox write failed",
			Transient: true,
			Cause:     err,
		}
	}

	return &DeliveryResult{
		Status:            domain.AttemptSuccess,
		Delivered:         true,
		ExternalID:        entryID,
		ProviderMessageID: entryID,
	}, nil
}

func (p *InAppProvider) CheckStatus(ctx context.Context, attempt domain.DeliveryAttempt) (*DeliveryResult, error) {
	// The inbox write is atomic: an attempt either landed or it did not.
	if attempt.Status.IsTerminal() {
		return &DeliveryResult{Status: attempt.Status, Delivered: attempt.Status == domain.AttemptSuccess}, nil
	}
	return &DeliveryResult{Status: domain.AttemptFailed, ResponseMessage: "inbox write never completed"}, nil
}
