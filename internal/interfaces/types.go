// Package interfaces defines the shared failure taxonomy for the Kiro proxy.
// Every component that can fail a request reports a *ErrorMessage carrying a
// Kind from the fixed set below; handlers map kinds to HTTP statuses and the
// dispatcher uses them to decide between retry, failover, and surfacing.
package interfaces

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a request or account failure.
type ErrorKind string

const (
	ErrNoAccountAvailable  ErrorKind = "no_account_available"
	ErrQuotaExceeded       ErrorKind = "quota_exceeded"
	ErrContentTooLong      ErrorKind = "content_too_long"
	ErrAuthExpired         ErrorKind = "auth_expired"
	ErrInvalidRefreshToken ErrorKind = "invalid_refresh_token"
	ErrUpstreamServerError ErrorKind = "upstream_server_error"
	ErrNetwork             ErrorKind = "network"
	ErrProtocolTranslation ErrorKind = "protocol_translation_error"
	ErrClientCancelled     ErrorKind = "client_cancelled"
	ErrInternal            ErrorKind = "internal"
)

// Retryable reports whether the dispatcher may recover from this kind by
// retrying or failing over to another account. Non-retryable kinds surface
// to the client immediately.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrAuthExpired, ErrQuotaExceeded, ErrUpstreamServerError, ErrNetwork:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the client-visible status code for this kind.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrNoAccountAvailable:
		return http.StatusServiceUnavailable
	case ErrContentTooLong:
		return http.StatusBadRequest
	case ErrAuthExpired, ErrInvalidRefreshToken, ErrUpstreamServerError, ErrNetwork:
		return http.StatusBadGateway
	case ErrClientCancelled:
		// Nginx convention; the client is usually gone before it is sent.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// ErrorMessage is the failure value passed between the upstream client, the
// dispatcher, and the API handlers.
type ErrorMessage struct {
	Kind ErrorKind
	// StatusCode is the upstream HTTP status when one was received, 0 otherwise.
	StatusCode int
	Err        error
}

func (e *ErrorMessage) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *ErrorMessage) Unwrap() error { return e.Err }

// NewError builds an ErrorMessage of the given kind.
func NewError(kind ErrorKind, err error) *ErrorMessage {
	return &ErrorMessage{Kind: kind, Err: err}
}

// Errorf builds an ErrorMessage with a formatted cause.
func Errorf(kind ErrorKind, format string, args ...any) *ErrorMessage {
	return &ErrorMessage{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrInternal.
func KindOf(err error) ErrorKind {
	var em *ErrorMessage
	if errors.As(err, &em) {
		return em.Kind
	}
	return ErrInternal
}
