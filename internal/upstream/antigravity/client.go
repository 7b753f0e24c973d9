package antigravity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"poly2api-go/internal/credential"
	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/translator"
	"poly2api-go/internal/upstream"
)

// ProjectStore persists a discovered cloudaicompanion project id.
type ProjectStore interface {
	SetProjectID(ctx context.Context, id int64, projectID string) error
}

// Client speaks the Code Assist v1internal API used by Antigravity
// credentials: loadCodeAssist/onboardUser for project discovery and
// generateContent / streamGenerateContent?alt=sse for completions.
type Client struct {
	http       *http.Client
	baseURL    string
	projects   ProjectStore
	signatures *upstream.SignatureCache

	// onboarding poll knobs, shrunk in tests
	onboardAttempts int
	onboardInterval time.Duration
}

// New builds an Antigravity client.
func New(httpClient *http.Client, baseURL string, projects ProjectStore, signatures *upstream.SignatureCache) *Client {
	return &Client{
		http:            httpClient,
		baseURL:         baseURL,
		projects:        projects,
		signatures:      signatures,
		onboardAttempts: 30,
		onboardInterval: 2 * time.Second,
	}
}

func (c *Client) Provider() credential.Provider { return credential.ProviderGemini }

func (c *Client) action(ctx context.Context, cred *credential.Credential, action string, payload []byte) (*http.Response, error) {
	url := c.baseURL + "/v1internal:" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "building upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.ClassifyTransport(err)
	}
	return resp, nil
}

func clientMetadata() map[string]any {
	return map[string]any{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
}

// EnsureProject returns the credential's project id, running the
// loadCodeAssist/onboardUser handshake on first use and persisting the
// result.
func (c *Client) EnsureProject(ctx context.Context, cred *credential.Credential) (string, error) {
	if cred.ProjectID != "" {
		return cred.ProjectID, nil
	}

	payload, _ := json.Marshal(map[string]any{"metadata": clientMetadata()})
	resp, err := c.action(ctx, cred, "loadCodeAssist", payload)
	if err != nil {
		return "", err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.ClassifyStatus(resp.StatusCode, string(body))
	}

	projectID := gjson.GetBytes(body, "cloudaicompanionProject").String()
	if projectID == "" {
		tier := gjson.GetBytes(body, "currentTier.id").String()
		if tier == "" {
			tier = "free-tier"
		}
		projectID, err = c.onboard(ctx, cred, tier)
		if err != nil {
			return "", err
		}
	}

	if c.projects != nil {
		if err := c.projects.SetProjectID(ctx, cred.ID, projectID); err != nil {
			log.WithError(err).Warnf("credential %d project id persist failed", cred.ID)
		}
	}
	cred.ProjectID = projectID
	return projectID, nil
}

// onboard starts the long-running onboardUser operation and polls it to
// completion.
func (c *Client) onboard(ctx context.Context, cred *credential.Credential, tier string) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"tierId":   tier,
		"metadata": clientMetadata(),
	})
	for attempt := 0; attempt < c.onboardAttempts; attempt++ {
		resp, err := c.action(ctx, cred, "onboardUser", payload)
		if err != nil {
			return "", err
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", apperrors.ClassifyStatus(resp.StatusCode, string(body))
		}
		if gjson.GetBytes(body, "done").Bool() {
			projectID := gjson.GetBytes(body, "response.cloudaicompanionProject.id").String()
			if projectID == "" {
				return "", apperrors.New(apperrors.KindUnavailable, "onboarding finished without a project id")
			}
			return projectID, nil
		}
		select {
		case <-ctx.Done():
			return "", apperrors.Wrap(apperrors.KindCanceled, "onboarding canceled", ctx.Err())
		case <-time.After(c.onboardInterval):
		}
	}
	return "", apperrors.New(apperrors.KindUnavailable, "onboarding did not finish in time")
}

// Dispatch sends one request through the Code Assist wrapper envelope.
func (c *Client) Dispatch(ctx context.Context, cred *credential.Credential, req *translator.Request) (*upstream.Result, error) {
	projectID, err := c.EnsureProject(ctx, cred)
	if err != nil {
		return nil, err
	}

	payload, _ := sjson.SetBytes([]byte(`{}`), "model", req.Model)
	payload, _ = sjson.SetBytes(payload, "project", projectID)
	payload, _ = sjson.SetRawBytes(payload, "request", translator.BuildGeminiRequest(req))

	op := "generateContent"
	if req.Stream {
		op = "streamGenerateContent?alt=sse"
	}
	resp, err := c.action(ctx, cred, op, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, apperrors.ClassifyStatus(resp.StatusCode, string(body))
	}

	if req.Stream {
		return &upstream.Result{Stream: c.stream(ctx, resp, req.Model)}, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	resp.Body.Close()
	out := translator.ParseGeminiResponse(body, req.Model)
	c.cacheSignatures(out.Parts)
	return &upstream.Result{Response: out}, nil
}

func (c *Client) cacheSignatures(parts []translator.Part) {
	if c.signatures == nil {
		return
	}
	for _, p := range parts {
		if p.Type == translator.PartThinking && p.Signature != "" {
			c.signatures.Put(p.Text, p.Signature)
		}
	}
}

func (c *Client) stream(ctx context.Context, resp *http.Response, model string) *upstream.Stream {
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
		send(translator.StreamEvent{Type: translator.EventStart, ID: "msg_" + uuid.NewString(), Model: model})

		reader := upstream.NewSSEReader(resp.Body)
		var thinking string
		finished := false
		for {
			frame, err := reader.Next()
			if err == io.EOF {
				if !finished {
					send(translator.StreamEvent{Type: translator.EventFinish, StopReason: "end_turn"})
				}
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
			for _, ev := range translator.ParseGeminiChunk(frame.Data) {
				switch ev.Type {
				case translator.EventThinkingDelta:
					thinking += ev.Text
				case translator.EventThinkingSignature:
					if c.signatures != nil {
						c.signatures.Put(thinking, ev.Signature)
					}
				case translator.EventFinish:
					finished = true
				}
				if !send(ev) {
					return
				}
			}
		}
	}()
	return &upstream.Stream{Events: events, Cancel: cancel}
}

// Models lists model ids via loadCodeAssist.
func (c *Client) Models(ctx context.Context, cred *credential.Credential) ([]string, error) {
	payload, _ := json.Marshal(map[string]any{"metadata": clientMetadata()})
	resp, err := c.action(ctx, cred, "loadCodeAssist", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.ClassifyStatus(resp.StatusCode, string(body))
	}

	seen := make(map[string]bool)
	var out []string
	for _, path := range []string{"models", "allowedModels"} {
		for _, m := range gjson.GetBytes(body, path).Array() {
			id := m.Get("id").String()
			if id == "" {
				id = m.Get("name").String()
			}
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}
