package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/tkanat/notify-dispatch/internal/domain"
)

type stubProvider struct {
	name    string
	channel domain.Channel
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) CanHandle(n domain.Notification) bool { return n.Channel == s.channel }

func (s *stubProvider) IsAvailable(context.Context) bool { return true }

func (s *stubProvider) Deliver(context.Context, domain.Notification) (*DeliveryResult, error) {
	return &DeliveryResult{Status: domain.AttemptSuccess}, nil
}

func (s *stubProvider) CheckStatus(context.Context, domain.DeliveryAttempt) (*DeliveryResult, error) {
	return &DeliveryResult{Status: domain.AttemptSuccess}, nil
}

func TestRegistrySelectsFirstMatch(t *testing.T) {
	t.Parallel()

	email := &stubProvider{name: "email-primary", channel: domain.ChannelEmail}
	emailFallback := &stubProvider{name: "email-fallback", channel: domain.ChannelEmail}
	sms := &stubProvider{name: "sms", channel: domain.ChannelSMS}
	registry := NewRegistry(email, emailFallback, sms)

	selected, ok := registry.SelectFor(domain.Notification{Channel: domain.ChannelEmail})
	if !ok {
		t.Fatal("no provider selected for email")
	}
	if selected.Name() != "email-primary" {
		t.Errorf("selected = %s, want registration order to win", selected.Name())
	}

	if _, ok := registry.SelectFor(domain.Notification{Channel: domain.ChannelPush}); ok {
		t.Error("unexpected provider for channel without one")
	}
}

func TestRegistryByName(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(&stubProvider{name: "webhook", channel: domain.ChannelWebhook})

	if _, ok := registry.ByName("Webhook"); !ok {
		t.Error("lookup should be case insensitive")
	}
	if _, ok := registry.ByName("carrier-pigeon"); ok {
		t.Error("unexpected provider for unknown name")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want domain.AttemptStatus
	}{
		{"nil", nil, domain.AttemptSuccess},
		{"deadline", context.DeadlineExceeded, domain.AttemptTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), domain.AttemptTimeout},
		{"gateway timeout", &ProviderError{StatusCode: http.StatusGatewayTimeout}, domain.AttemptTimeout},
		{"bad request", &ProviderError{StatusCode: http.StatusBadRequest}, domain.AttemptRejected},
		{"unprocessable", &ProviderError{StatusCode: http.StatusUnprocessableEntity}, domain.AttemptRejected},
		{"gone recipient", &ProviderError{StatusCode: http.StatusGone}, domain.AttemptBounced},
		{"server error", &ProviderError{StatusCode: http.StatusBadGateway, Transient: true}, domain.AttemptFailed},
		{"unknown permanent", &ProviderError{StatusCode: http.StatusForbidden}, domain.AttemptRejected},
		{"plain error", errors.New("boom"), domain.AttemptFailed},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyError(tc.err); got != tc.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if !IsTransient(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be transient")
	}
	if IsTransient(context.Canceled) {
		t.Error("cancellation is not retryable")
	}
	if !IsTransient(&ProviderError{StatusCode: http.StatusServiceUnavailable, Transient: true}) {
		t.Error("transient provider error should be retryable")
	}
	if IsTransient(&ProviderError{StatusCode: http.StatusBadRequest}) {
		t.Error("permanent provider error must not be retryable")
	}
	if IsTransient(nil) {
		t.Error("nil error is not transient")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		if !isTransientHTTPStatus(code) {
			t.Errorf("status %d should be transient", code)
		}
	}
	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity} {
		if isTransientHTTPStatus(code) {
			t.Errorf("status %d should be permanent", code)
		}
	}
}
