package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatusTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
		retry  bool
	}{
		{401, KindAuth, true},
		{403, KindAuth, true},
		{429, KindRateLimit, true},
		{500, KindTransient, true},
		{503, KindTransient, true},
		{400, KindBadRequest, false},
		{413, KindBadRequest, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			err := ClassifyStatus(tc.status, "")
			require.Equal(t, tc.kind, err.Kind)
			require.Equal(t, tc.retry, err.Kind.Retryable())
		})
	}
}

func TestClassifyTransportCancellation(t *testing.T) {
	err := ClassifyTransport(context.Canceled)
	require.Equal(t, KindCanceled, err.Kind)
	require.False(t, err.Kind.Retryable())

	err = ClassifyTransport(context.DeadlineExceeded)
	require.Equal(t, KindTransient, err.Kind)
}

func TestMaskUpstreamBody(t *testing.T) {
	masked := MaskUpstreamBody(`{"__type":"AccessDeniedException","message":"account blocked"}`)
	require.Equal(t, "upstream rejected the request", masked)
	require.NotContains(t, masked, "account blocked")

	passthrough := MaskUpstreamBody(`{"message":"model not found"}`)
	require.Contains(t, passthrough, "model not found")
}

func TestHTTPStatusMapping(t *testing.T) {
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(New(KindUnavailable, "no active credentials")))
	require.Equal(t, http.StatusTooManyRequests, HTTPStatus(New(KindLimitExceeded, "daily limit")))
	require.Equal(t, http.StatusUnauthorized, HTTPStatus(New(KindAuth, "bad key")))
	require.Equal(t, http.StatusRequestEntityTooLarge, HTTPStatus(New(KindBadRequest, "too large").WithStatus(413)))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("plain")))
}

func TestEnvelopePerDialect(t *testing.T) {
	err := New(KindRateLimit, "Daily request limit reached (10)")

	var claude struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(Envelope(DialectClaude, err), &claude))
	require.Equal(t, "error", claude.Type)
	require.Equal(t, "rate_limit_error", claude.Error.Type)
	require.Equal(t, "Daily request limit reached (10)", claude.Error.Message)

	var gemini struct {
		Error struct {
			Code   int    `json:"code"`
			Status string `json:"status"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(Envelope(DialectGemini, err), &gemini))
	require.Equal(t, http.StatusTooManyRequests, gemini.Error.Code)
	require.Equal(t, "RESOURCE_EXHAUSTED", gemini.Error.Status)
}
