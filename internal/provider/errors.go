package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/tkanat/notify-dispatch/internal/domain"
)

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}

	return false
}

// ClassifyError maps a provider call error to the attempt failure kind used
// by the retry policy.
func ClassifyError(err error) domain.AttemptStatus {
	if err == nil {
		return domain.AttemptSuccess
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.AttemptTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.AttemptTimeout
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		switch {
		case providerErr.StatusCode == http.StatusRequestTimeout || providerErr.StatusCode == http.StatusGatewayTimeout:
			return domain.AttemptTimeout
		case providerErr.StatusCode == http.StatusBadRequest || providerErr.StatusCode == http.StatusUnprocessableEntity:
			return domain.AttemptRejected
		case providerErr.StatusCode == http.StatusGone || providerErr.StatusCode == http.StatusNotFound:
			return domain.AttemptBounced
		case providerErr.Transient:
			return domain.AttemptFailed
		default:
			return domain.AttemptRejected
		}
	}

	return domain.AttemptFailed
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
