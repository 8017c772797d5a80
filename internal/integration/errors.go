package integration

import (
	"errors"
	"fmt"
)

// ErrorKind classifies integration failures. The kind decides retry and
// refresh behavior: validation and authentication errors are never retried,
// rate-limit errors require the caller to delay, everything else is
// considered transient.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindAuthentication ErrorKind = "authentication"
	KindRateLimit      ErrorKind = "rate_limit"
	KindNetwork        ErrorKind = "network"
	KindConflict       ErrorKind = "conflict"
	KindUnsupported    ErrorKind = "unsupported_operation"
	KindAPI            ErrorKind = "api"
)

// Error is the typed error all adapters and sync components surface.
type Error struct {
	Kind    ErrorKind
	Service string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Service != "" {
		msg = fmt.Sprintf("%s: %s", e.Service, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed integration error.
func NewError(kind ErrorKind, service, message string, err error) *Error {
	return &Error{Kind: kind, Service: service, Message: message, Err: err}
}

// ValidationError reports bad input. Never retried.
func ValidationError(service, message string) *Error {
	return &Error{Kind: KindValidation, Service: service, Message: message}
}

// AuthenticationError reports expired or invalid credentials.
func AuthenticationError(service, message string, err error) *Error {
	return &Error{Kind: KindAuthentication, Service: service, Message: message, Err: err}
}

// RateLimitError reports a denied admission. The caller must delay and
// retry later; there is no automatic wait attached.
func RateLimitError(service, message string) *Error {
	return &Error{Kind: KindRateLimit, Service: service, Message: message}
}

// NetworkError reports a transport-level failure.
func NetworkError(service string, err error) *Error {
	return &Error{Kind: KindNetwork, Service: service, Message: "network error", Err: err}
}

// UnsupportedError reports an operation the adapter does not implement for
// its capability set. Adapters fail fast with this instead of no-op-ing.
func UnsupportedError(service, operation string) *Error {
	return &Error{Kind: KindUnsupported, Service: service, Message: fmt.Sprintf("operation %s not supported", operation)}
}

// APIError reports a vendor API failure that is not clearly one of the
// other kinds (5xx responses, malformed payloads).
func APIError(service, message string, err error) *Error {
	return &Error{Kind: KindAPI, Service: service, Message: message, Err: err}
}

// KindOf returns the kind of err if it is (or wraps) an integration Error,
// or KindAPI otherwise.
func KindOf(err error) ErrorKind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindAPI
}

// IsKind reports whether err is an integration Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ie *Error
	return errors.As(err, &ie) && ie.Kind == kind
}

// Retryable reports whether an error is worth retrying. Validation and
// authentication errors indicate a caller bug or an expired session;
// rate-limit denials carry no wait and must be retried by the caller on
// a later run.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindAuthentication, KindRateLimit, KindUnsupported, KindConflict:
		return false
	default:
		return true
	}
}
