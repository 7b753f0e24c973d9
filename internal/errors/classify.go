package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// maskedUpstreamMessages maps known service error markers to neutral text.
// Anything else passes through untouched.
var maskedUpstreamMessages = map[string]string{
	"AccessDeniedException":       "upstream rejected the request",
	"ValidationException":         "upstream rejected the request payload",
	"ThrottlingException":         "upstream throttled the request",
	"Improperly formed request":   "upstream rejected the request payload",
	"CredentialsExpiredException": "upstream credentials expired",
}

// MaskUpstreamBody replaces known provider error bodies with neutral text.
func MaskUpstreamBody(body string) string {
	for marker, neutral := range maskedUpstreamMessages {
		if strings.Contains(body, marker) {
			return neutral
		}
	}
	if len(body) > 512 {
		return body[:512]
	}
	return body
}

// ClassifyStatus converts an upstream HTTP status into the taxonomy.
func ClassifyStatus(status int, body string) *GatewayError {
	masked := MaskUpstreamBody(body)
	switch {
	case status == 401 || status == 403:
		return New(KindAuth, "upstream authentication failed").WithStatus(status).WithUpstream(masked)
	case status == 429:
		return New(KindRateLimit, "upstream rate limited").WithStatus(status).WithUpstream(masked)
	case status >= 500:
		return New(KindTransient, "upstream server error").WithStatus(status).WithUpstream(masked)
	case status >= 400:
		msg := masked
		if msg == "" {
			msg = "invalid request"
		}
		return New(KindBadRequest, msg).WithStatus(status)
	default:
		return Newf(KindInternal, "unexpected upstream status %d", status).WithStatus(status)
	}
}

// ClassifyTransport converts transport-level failures into the taxonomy.
func ClassifyTransport(err error) *GatewayError {
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(KindCanceled, "request canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTransient, "upstream timeout", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(KindTransient, "upstream timeout", err)
	}
	return Wrap(KindTransient, "upstream connection failed", err)
}
