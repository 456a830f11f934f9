package router

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAllProvidersBusy means every selectable provider is rate limited.
	// Callers should back off and retry.
	ErrAllProvidersBusy = errors.New("all providers are busy")

	// ErrAllProvidersDown means no provider is healthy or none is configured.
	ErrAllProvidersDown = errors.New("all providers are down")

	// ErrRequestTimeout is reported when an upstream call exceeds the hard timeout.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrEmptyResponse is returned when a unary response has no choices.
	ErrEmptyResponse = errors.New("upstream response has no choices")
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider %s: API error %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("provider %s: API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// RateLimited reports whether the upstream asked us to slow down.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == 429
}

// PoolExhaustedError is returned when no provider can be selected. It
// matches ErrAllProvidersBusy or ErrAllProvidersDown through errors.Is and
// unwraps to the last upstream error, if any.
type PoolExhaustedError struct {
	Busy    bool
	RetryAt time.Time
	LastErr error
}

func (e *PoolExhaustedError) Error() string {
	var msg string
	if e.Busy {
		msg = ErrAllProvidersBusy.Error()
		if !e.RetryAt.IsZero() {
			msg += fmt.Sprintf(", retry after %s", e.RetryAt.Format(time.RFC3339))
		}
	} else {
		msg = ErrAllProvidersDown.Error() + ", check the configured models"
	}
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *PoolExhaustedError) Is(target error) bool {
	if e.Busy {
		return target == ErrAllProvidersBusy
	}
	return target == ErrAllProvidersDown
}

func (e *PoolExhaustedError) Unwrap() error {
	return e.LastErr
}
