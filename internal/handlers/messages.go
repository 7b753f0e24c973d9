package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"poly2api-go/internal/credential"
	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/translator"
	"poly2api-go/internal/upstream"
	"poly2api-go/internal/usage"
)

// ClaudeMessages serves POST /v1/messages.
func (h *Handlers) ClaudeMessages(c *gin.Context) {
	h.serve(c, apperrors.DialectClaude, "")
}

// AntigravityMessages serves POST /gemini-antigravity/v1/messages: a
// Claude-shaped body pinned to the gemini antigravity provider.
func (h *Handlers) AntigravityMessages(c *gin.Context) {
	h.serve(c, apperrors.DialectClaude, credential.ProviderGemini)
}

// ChatCompletions serves POST /v1/chat/completions.
func (h *Handlers) ChatCompletions(c *gin.Context) {
	h.serve(c, apperrors.DialectOpenAI, "")
}

func (h *Handlers) serve(c *gin.Context, dialect apperrors.Dialect, forced credential.Provider) {
	key := keyFrom(c)
	release, ok := h.admit(c, dialect, key)
	if !ok {
		return
	}
	defer release()

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.renderError(c, dialect, apperrors.Wrap(apperrors.KindBadRequest, "reading request body", err))
		return
	}

	var req *translator.Request
	if dialect == apperrors.DialectOpenAI {
		req, err = translator.ParseOpenAIRequest(raw)
	} else {
		req, err = translator.ParseClaudeRequest(raw)
	}
	if err != nil {
		h.renderError(c, dialect, apperrors.Wrap(apperrors.KindBadRequest, "invalid request", err))
		return
	}

	provider := forced
	if provider == "" {
		provider, err = h.resolveProvider(c, req.Model)
		if err != nil {
			h.renderError(c, dialect, err)
			return
		}
	}
	c.Set("model", req.Model)
	c.Set("provider", string(provider))

	logID := h.meter.Begin(c.Request.Context(), &usage.RequestLog{
		APIKeyID: key.ID,
		Provider: string(provider),
		Model:    req.Model,
		ClientIP: c.ClientIP(),
		Stream:   req.Stream,
	})

	result, err := h.exec.Execute(c.Request.Context(), provider, req)
	if err != nil {
		h.meter.Finish(c.Request.Context(), logID, req.Model, translator.Usage{}, apperrors.HTTPStatus(err), err.Error())
		h.renderError(c, dialect, err)
		return
	}
	h.warnLowQuota(result.CredentialID, req.Model)

	if result.Stream != nil {
		h.relayStream(c, dialect, req, result, logID)
		return
	}

	resp := result.Response
	var body []byte
	if dialect == apperrors.DialectOpenAI {
		body = translator.RenderOpenAIResponse(resp)
	} else {
		body = translator.RenderClaudeResponse(resp)
	}
	h.meter.Finish(c.Request.Context(), logID, req.Model, resp.Usage, http.StatusOK, "")
	c.Data(http.StatusOK, "application/json", body)
}

// relayStream pumps upstream events through the dialect renderer. A client
// disconnect cancels the upstream; the stream wrapper releases the
// credential lock when the event channel closes.
func (h *Handlers) relayStream(c *gin.Context, dialect apperrors.Dialect, req *translator.Request, result *upstream.Result, logID int64) {
	stream := result.Stream
	defer stream.Cancel()

	var renderer streamRenderer
	if dialect == apperrors.DialectOpenAI {
		renderer = translator.NewOpenAIStream()
	} else {
		renderer = translator.NewClaudeStream()
	}

	setSSEHeaders(c)

	clientGone := c.Request.Context().Done()
	finalUsage := translator.Usage{}
	status := http.StatusOK
	errMsg := ""

	for {
		select {
		case ev, open := <-stream.Events:
			if !open {
				h.settleStream(c, req.Model, logID, renderer, finalUsage, status, errMsg)
				return
			}
			switch ev.Type {
			case translator.EventFinish:
				if ev.Usage != nil {
					finalUsage = *ev.Usage
				}
			case translator.EventError:
				status = apperrors.HTTPStatus(ev.Err)
				if ev.Err != nil {
					errMsg = ev.Err.Error()
				}
			}
			for _, wire := range renderer.Next(ev) {
				writeWire(c, wire)
			}

		case <-clientGone:
			stream.Cancel()
			for range stream.Events {
				// drain so the lock wrapper can settle
			}
			log.Debugf("client disconnected mid-stream for model %s", req.Model)
			h.settleStream(c, req.Model, logID, renderer, finalUsage, 499, "client disconnected")
			return
		}
	}
}

func (h *Handlers) settleStream(c *gin.Context, model string, logID int64, renderer streamRenderer, u translator.Usage, status int, errMsg string) {
	if u.OutputTokens == 0 {
		u.OutputTokens = renderer.OutputTokens()
	}
	// the request context may already be gone; accounting still has to land
	h.meter.Finish(context.WithoutCancel(c.Request.Context()), logID, model, u, status, errMsg)
}
