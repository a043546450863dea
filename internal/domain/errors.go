package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// Delivery failure taxonomy. All of these are terminal for the current
	// deliver call; only transient provider failures are retried via backoff.
	ErrNoProviderAvailable = errors.New("no provider for channel")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrBurstProtected      = errors.New("burst protection triggered")
	ErrRetriesExhausted    = errors.New("retries exhausted")
)
