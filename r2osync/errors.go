package r2osync

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"bitbucket.org/mmdatafocus/lounge_backend/utils"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("already connected")
	ErrBadRequest         = errors.New("bad request")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// ExternalAPIError is a non-2xx answer from ready2order. Body is kept for logs only.
type ExternalAPIError struct {
	StatusCode int
	Body       string
}

func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("ready2order api error %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether a retry could succeed (5xx, 429).
func (e *ExternalAPIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient classifies any client error. Transport failures count as transient,
// caller cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *ExternalAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return !errors.Is(err, utils.ErrDecryption)
}

// httpError maps the error taxonomy to a status and a non-sensitive code.
func httpError(err error) (int, string) {
	var apiErr *ExternalAPIError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "already_connected"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "provider_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
