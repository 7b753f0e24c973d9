package anthropic

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"poly2api-go/internal/credential"
	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/translator"
	"poly2api-go/internal/upstream"
)

// Client is the Anthropic passthrough: requests are re-rendered in the
// Messages API shape and responses come back in the same dialect.
type Client struct {
	http    *http.Client
	baseURL string
	version string
}

// New builds an Anthropic client.
func New(httpClient *http.Client, baseURL string) *Client {
	return &Client{http: httpClient, baseURL: baseURL, version: "2023-06-01"}
}

func (c *Client) Provider() credential.Provider { return credential.ProviderAnthropic }

func (c *Client) post(ctx context.Context, cred *credential.Credential, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "building upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", c.version)
	// API-key credentials carry the key in AccessToken; OAuth tokens ride
	// the bearer header instead.
	if cred.RefreshToken == "" {
		req.Header.Set("x-api-key", cred.AccessToken)
	} else {
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.ClassifyTransport(err)
	}
	return resp, nil
}

// Dispatch forwards one request to /v1/messages.
func (c *Client) Dispatch(ctx context.Context, cred *credential.Credential, req *translator.Request) (*upstream.Result, error) {
	body := translator.BuildClaudeRequest(req)
	resp, err := c.post(ctx, cred, "/v1/messages", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, apperrors.ClassifyStatus(resp.StatusCode, string(payload))
	}

	if req.Stream {
		return &upstream.Result{Stream: c.stream(ctx, resp)}, nil
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransient, "reading upstream response", err)
	}
	return &upstream.Result{Response: parseMessage(payload)}, nil
}

func (c *Client) stream(ctx context.Context, resp *http.Response) *upstream.Stream {
	events := make(chan translator.StreamEvent, 16)
	sctx, cancel := context.WithCancel(ctx)
	go func() {
		<-sctx.Done()
		resp.Body.Close()
	}()
	go func() {
		defer close(events)
		defer cancel()
		send := func(ev translator.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-sctx.Done():
				return false
			}
		}

		reader := upstream.NewSSEReader(resp.Body)
		for {
			frame, err := reader.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				if sctx.Err() != nil {
					send(translator.StreamEvent{Type: translator.EventError,
						Err: apperrors.Wrap(apperrors.KindCanceled, "stream canceled", sctx.Err())})
					return
				}
				send(translator.StreamEvent{Type: translator.EventError,
					Err: apperrors.Wrap(apperrors.KindTransient, "reading upstream stream", err)})
				return
			}
			if frame.Event == "error" {
				msg := gjson.GetBytes(frame.Data, "error.message").String()
				send(translator.StreamEvent{Type: translator.EventError,
					Err: apperrors.New(apperrors.KindTransient, apperrors.MaskUpstreamBody(msg))})
				return
			}
			for _, ev := range translator.ParseClaudeSSE(frame.Event, frame.Data) {
				if !send(ev) {
					return
				}
			}
		}
	}()
	return &upstream.Stream{Events: events, Cancel: cancel}
}

// parseMessage converts a complete Messages API body into the internal
// representation.
func parseMessage(raw []byte) *translator.Response {
	body := gjson.ParseBytes(raw)
	resp := &translator.Response{
		ID:         body.Get("id").String(),
		Model:      body.Get("model").String(),
		StopReason: body.Get("stop_reason").String(),
		Usage: translator.Usage{
			InputTokens:      int(body.Get("usage.input_tokens").Int()),
			OutputTokens:     int(body.Get("usage.output_tokens").Int()),
			CacheReadTokens:  int(body.Get("usage.cache_read_input_tokens").Int()),
			CacheWriteTokens: int(body.Get("usage.cache_creation_input_tokens").Int()),
		},
	}
	for _, blk := range body.Get("content").Array() {
		switch blk.Get("type").String() {
		case "text":
			resp.Parts = append(resp.Parts, translator.Part{Type: translator.PartText, Text: blk.Get("text").String()})
		case "thinking":
			resp.Parts = append(resp.Parts, translator.Part{
				Type:      translator.PartThinking,
				Text:      blk.Get("thinking").String(),
				Signature: blk.Get("signature").String(),
			})
		case "tool_use":
			resp.Parts = append(resp.Parts, translator.Part{
				Type:      translator.PartToolUse,
				ToolID:    blk.Get("id").String(),
				ToolName:  blk.Get("name").String(),
				ToolInput: []byte(blk.Get("input").Raw),
			})
		}
	}
	return resp
}

// Models returns the static passthrough model list; Anthropic has no list
// endpoint usable with pooled keys.
func (c *Client) Models(ctx context.Context, cred *credential.Credential) ([]string, error) {
	return []string{
		"claude-opus-4-1",
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
	}, nil
}
