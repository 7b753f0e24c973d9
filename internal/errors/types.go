package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed error taxonomy. Classification happens once at the
// upstream boundary; the failover executor switches on the tag.
type Kind int

const (
	// KindAuth covers 401/403 and refresh refusals; credential-level.
	KindAuth Kind = iota
	// KindRateLimit covers 429 and provider throttle signals; credential-level.
	KindRateLimit
	// KindTransient covers 5xx and network timeouts; try another credential.
	KindTransient
	// KindBadRequest covers 400 validation failures; never retried.
	KindBadRequest
	// KindUnavailable means the pool is empty or exhausted.
	KindUnavailable
	// KindLimitExceeded means a per-key ceiling was hit.
	KindLimitExceeded
	// KindCanceled means the client went away; no score penalty.
	KindCanceled
	// KindInternal is everything the gateway did to itself.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate-limit"
	case KindTransient:
		return "transient"
	case KindBadRequest:
		return "bad-request"
	case KindUnavailable:
		return "unavailable"
	case KindLimitExceeded:
		return "limit-exceeded"
	case KindCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

// Retryable reports whether the failover loop should try another credential.
func (k Kind) Retryable() bool {
	switch k {
	case KindAuth, KindRateLimit, KindTransient:
		return true
	default:
		return false
	}
}

// GatewayError is the tagged error carried through the failover executor.
type GatewayError struct {
	Kind     Kind
	Status   int // upstream HTTP status when known
	Message  string
	Upstream string // masked upstream body excerpt, may be empty
	wrapped  error
}

func (e *GatewayError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.wrapped }

// New builds a tagged error.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Newf builds a tagged error with formatting.
func Newf(kind Kind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error.
func Wrap(kind Kind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, wrapped: err}
}

// WithStatus attaches the upstream HTTP status.
func (e *GatewayError) WithStatus(status int) *GatewayError {
	e.Status = status
	return e
}

// WithUpstream attaches a masked upstream body excerpt.
func (e *GatewayError) WithUpstream(body string) *GatewayError {
	e.Upstream = body
	return e
}

// KindOf extracts the taxonomy tag, defaulting to internal.
func KindOf(err error) Kind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// HTTPStatus maps a tagged error to the downstream status code.
func HTTPStatus(err error) int {
	var ge *GatewayError
	if !errors.As(err, &ge) {
		return http.StatusInternalServerError
	}
	switch ge.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimit, KindLimitExceeded:
		return http.StatusTooManyRequests
	case KindBadRequest:
		if ge.Status >= 400 && ge.Status < 500 {
			return ge.Status
		}
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTransient:
		return http.StatusBadGateway
	case KindCanceled:
		// downstream already gone; status is nominal
		return 499
	default:
		return http.StatusInternalServerError
	}
}
