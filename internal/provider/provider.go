package provider

import (
	"context"
	"strings"

	"github.com/tkanat/notify-dispatch/internal/domain"
)

// Provider is the outbound notification delivery port. Implementations must
// be safe for concurrent use.
type Provider interface {
	Name() string
	CanHandle(notification domain.Notification) bool
	IsAvailable(ctx context.Context) bool
	Deliver(ctx context.Context, notification domain.Notification) (*DeliveryResult, error)
	CheckStatus(ctx context.Context, attempt domain.DeliveryAttempt) (*DeliveryResult, error)
}

// DeliveryResult stores provider call metadata for audit and persistence.
// Delivered marks channels with native delivery confirmation; otherwise a
// successful result only means the provider accepted the message.
type DeliveryResult struct {
	Status            domain.AttemptStatus
	Delivered         bool
	ExternalID        string
	ProviderMessageID string
	ResponseCode      int
	ResponseMessage   string
	CostCents         int64
}

// Registry holds providers in registration order. Selection is a linear scan
// for the first provider that can handle the notification, so ordering is
// part of the configuration.
type Registry struct {
	providers []Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.providers = append(r.providers, p)
}

// SelectFor returns the first registered provider able to handle the
// notification, or false when no provider matches.
func (r *Registry) SelectFor(notification domain.Notification) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	for _, p := range r.providers {
		if p.CanHandle(notification) {
			return p, true
		}
	}
	return nil, false
}

// ByName returns the provider registered under the given name.
func (r *Registry) ByName(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	trimmed := strings.TrimSpace(name)
	for _, p := range r.providers {
		if strings.EqualFold(p.Name(), trimmed) {
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) Providers() []Provider {
	if r == nil {
		return nil
	}
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}
