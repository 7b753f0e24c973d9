package errors

import (
	"encoding/json"
	"errors"
)

// Dialect selects the inbound wire format for error envelopes.
type Dialect string

const (
	DialectClaude Dialect = "claude"
	DialectOpenAI Dialect = "openai"
	DialectGemini Dialect = "gemini"
)

// claudeErrorTypes is the fixed alphabet of Anthropic error type strings.
var claudeErrorTypes = map[Kind]string{
	KindAuth:          "authentication_error",
	KindRateLimit:     "rate_limit_error",
	KindLimitExceeded: "rate_limit_error",
	KindTransient:     "api_error",
	KindBadRequest:    "invalid_request_error",
	KindUnavailable:   "overloaded_error",
	KindCanceled:      "api_error",
	KindInternal:      "api_error",
}

var openaiErrorTypes = map[Kind]string{
	KindAuth:          "authentication_error",
	KindRateLimit:     "rate_limit_error",
	KindLimitExceeded: "rate_limit_error",
	KindTransient:     "server_error",
	KindBadRequest:    "invalid_request_error",
	KindUnavailable:   "server_error",
	KindCanceled:      "server_error",
	KindInternal:      "server_error",
}

var geminiStatusStrings = map[Kind]string{
	KindAuth:          "PERMISSION_DENIED",
	KindRateLimit:     "RESOURCE_EXHAUSTED",
	KindLimitExceeded: "RESOURCE_EXHAUSTED",
	KindTransient:     "UNAVAILABLE",
	KindBadRequest:    "INVALID_ARGUMENT",
	KindUnavailable:   "UNAVAILABLE",
	KindCanceled:      "CANCELLED",
	KindInternal:      "INTERNAL",
}

// TypeString returns the dialect's error type name for a kind.
func TypeString(d Dialect, k Kind) string {
	switch d {
	case DialectGemini:
		return geminiStatusStrings[k]
	case DialectOpenAI:
		return openaiErrorTypes[k]
	default:
		return claudeErrorTypes[k]
	}
}

// Envelope renders `{error:{type,message}}` (or the Gemini numeric envelope)
// for the given dialect.
func Envelope(d Dialect, err error) []byte {
	kind := KindOf(err)
	message := "internal error"
	var ge *GatewayError
	if errors.As(err, &ge) {
		message = ge.Message
		if ge.Upstream != "" && ge.Kind == KindBadRequest {
			message = ge.Upstream
		}
	}

	if d == DialectGemini {
		payload := map[string]any{
			"error": map[string]any{
				"code":    HTTPStatus(err),
				"message": message,
				"status":  geminiStatusStrings[kind],
			},
		}
		b, _ := json.Marshal(payload)
		return b
	}

	payload := map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    TypeString(d, kind),
			"message": message,
		},
	}
	if d == DialectOpenAI {
		delete(payload, "type")
	}
	b, _ := json.Marshal(payload)
	return b
}
