package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"poly2api-go/internal/credential"
	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/translator"
	"poly2api-go/internal/upstream"
)

// Client speaks the CodeWhisperer assistant API: generateAssistantResponse
// for completions, getUsageLimits for quota, ListAvailableModels for the
// model list.
type Client struct {
	http *http.Client
	// apiURL carries a %s placeholder for the region.
	apiURL        string
	defaultRegion string
}

// New builds a Kiro client over the shared transport.
func New(httpClient *http.Client, apiURL, defaultRegion string) *Client {
	return &Client{http: httpClient, apiURL: apiURL, defaultRegion: defaultRegion}
}

func (c *Client) Provider() credential.Provider { return credential.ProviderKiro }

func (c *Client) endpoint(cred *credential.Credential, op string) string {
	region := cred.Region
	if region == "" {
		region = c.defaultRegion
	}
	return fmt.Sprintf(c.apiURL, region) + "/" + op
}

// conversation payload DTOs

type userInputMessage struct {
	Content string            `json:"content"`
	ModelID string            `json:"modelId"`
	Origin  string            `json:"origin"`
	Context *userInputContext `json:"userInputMessageContext,omitempty"`
}

type userInputContext struct {
	Tools       []toolSpec   `json:"tools,omitempty"`
	ToolResults []toolResult `json:"toolResults,omitempty"`
}

type toolSpec struct {
	ToolSpecification struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema,omitempty"`
	} `json:"toolSpecification"`
}

type toolResult struct {
	ToolUseID string           `json:"toolUseId"`
	Status    string           `json:"status"`
	Content   []map[string]any `json:"content"`
}

type assistantMessage struct {
	Content  string        `json:"content"`
	ToolUses []toolUseSpec `json:"toolUses,omitempty"`
}

type toolUseSpec struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type historyTurn struct {
	UserInputMessage         *userInputMessage `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantMessage `json:"assistantResponseMessage,omitempty"`
}

type conversationState struct {
	ChatTriggerType string `json:"chatTriggerType"`
	ConversationID  string `json:"conversationId"`
	CurrentMessage  struct {
		UserInputMessage *userInputMessage `json:"userInputMessage"`
	} `json:"currentMessage"`
	History []historyTurn `json:"history,omitempty"`
}

// buildConversation folds the dialect-neutral request into the assistant
// API's conversation shape. The system prompt is prepended to the first user
// content; tool results ride in the current message's context.
func buildConversation(req *translator.Request) []byte {
	state := conversationState{
		ChatTriggerType: "MANUAL",
		ConversationID:  uuid.NewString(),
	}

	current := &userInputMessage{ModelID: req.Model, Origin: "AI_EDITOR"}
	if len(req.Tools) > 0 {
		current.Context = &userInputContext{}
		for _, t := range req.Tools {
			var spec toolSpec
			spec.ToolSpecification.Name = t.Name
			spec.ToolSpecification.Description = t.Description
			if len(t.InputSchema) > 0 {
				var schema map[string]any
				if json.Unmarshal(t.InputSchema, &schema) == nil {
					spec.ToolSpecification.InputSchema = map[string]any{"json": schema}
				}
			}
			current.Context.Tools = append(current.Context.Tools, spec)
		}
	}

	var texts []string
	if req.System != "" {
		texts = append(texts, req.System)
	}
	for i, msg := range req.Messages {
		last := i == len(req.Messages)-1
		switch msg.Role {
		case translator.RoleAssistant:
			turn := assistantMessage{}
			for _, p := range msg.Parts {
				switch p.Type {
				case translator.PartText:
					turn.Content += p.Text
				case translator.PartToolUse:
					input := p.ToolInput
					if len(input) == 0 {
						input = json.RawMessage("{}")
					}
					turn.ToolUses = append(turn.ToolUses, toolUseSpec{
						ToolUseID: p.ToolID, Name: p.ToolName, Input: input,
					})
				}
			}
			state.History = append(state.History, historyTurn{AssistantResponseMessage: &turn})
		case translator.RoleTool:
			for _, p := range msg.Parts {
				if p.Type != translator.PartToolResult {
					continue
				}
				if current.Context == nil {
					current.Context = &userInputContext{}
				}
				current.Context.ToolResults = append(current.Context.ToolResults, toolResult{
					ToolUseID: p.ToolResultFor,
					Status:    "success",
					Content:   []map[string]any{{"text": p.Text}},
				})
			}
		default:
			var content string
			for _, p := range msg.Parts {
				if p.Type == translator.PartText {
					content += p.Text
				}
			}
			if last {
				texts = append(texts, content)
			} else {
				state.History = append(state.History, historyTurn{
					UserInputMessage: &userInputMessage{Content: content, ModelID: req.Model, Origin: "AI_EDITOR"},
				})
			}
		}
	}
	current.Content = strings.Join(texts, "\n\n")
	state.CurrentMessage.UserInputMessage = current

	body, _ := json.Marshal(map[string]any{"conversationState": state})
	return body
}

// Dispatch sends one request. Streaming responses come back as an SSE body
// of assistantResponseEvent / toolUseEvent frames.
func (c *Client) Dispatch(ctx context.Context, cred *credential.Credential, req *translator.Request) (*upstream.Result, error) {
	body := buildConversation(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(cred, "generateAssistantResponse"), bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "building upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.ClassifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, apperrors.ClassifyStatus(resp.StatusCode, string(payload))
	}

	if req.Stream {
		return &upstream.Result{Stream: c.stream(ctx, resp, req.Model)}, nil
	}
	defer resp.Body.Close()
	return c.collect(resp.Body, req.Model)
}

// stream parses SSE frames into typed events on a bounded channel. Cancel
// closes the upstream body, which unblocks the reader.
func (c *Client) stream(ctx context.Context, resp *http.Response, model string) *upstream.Stream {
	events := make(chan translator.StreamEvent, 16)
	sctx, cancel := context.WithCancel(ctx)
	// closing the body unblocks the reader when the consumer cancels
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
		var p frameParser
		for {
			frame, err := reader.Next()
			if err == io.EOF {
				for _, ev := range p.finish() {
					if !send(ev) {
						return
					}
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
			for _, ev := range p.next(frame) {
				if !send(ev) {
					return
				}
			}
		}
	}()
	return &upstream.Stream{Events: events, Cancel: cancel}
}

// frameParser turns assistant-API frames into typed events, tracking the
// open tool-use block.
type frameParser struct {
	toolOpen bool
	sawTool  bool
}

func (p *frameParser) next(frame *upstream.SSEFrame) []translator.StreamEvent {
	data := gjson.ParseBytes(frame.Data)
	switch frame.Event {
	case "assistantResponseEvent", "":
		if text := data.Get("content").String(); text != "" {
			return []translator.StreamEvent{{Type: translator.EventTextDelta, Text: text}}
		}
	case "toolUseEvent":
		var out []translator.StreamEvent
		if name := data.Get("name").String(); name != "" && !p.toolOpen {
			p.toolOpen = true
			p.sawTool = true
			out = append(out, translator.StreamEvent{
				Type:     translator.EventToolUseStart,
				ToolID:   data.Get("toolUseId").String(),
				ToolName: name,
			})
		}
		if input := data.Get("input").String(); input != "" && p.toolOpen {
			out = append(out, translator.StreamEvent{Type: translator.EventToolInputDelta, Text: input})
		}
		if data.Get("stop").Bool() && p.toolOpen {
			p.toolOpen = false
			out = append(out, translator.StreamEvent{Type: translator.EventBlockStop})
		}
		return out
	case "errorEvent":
		msg := data.Get("message").String()
		if msg == "" {
			msg = "upstream error event"
		}
		return []translator.StreamEvent{{Type: translator.EventError,
			Err: apperrors.New(apperrors.KindTransient, apperrors.MaskUpstreamBody(msg))}}
	default:
		log.Debugf("ignoring upstream frame %q", frame.Event)
	}
	return nil
}

func (p *frameParser) finish() []translator.StreamEvent {
	var out []translator.StreamEvent
	if p.toolOpen {
		p.toolOpen = false
		out = append(out, translator.StreamEvent{Type: translator.EventBlockStop})
	}
	reason := "end_turn"
	if p.sawTool {
		reason = "tool_use"
	}
	return append(out, translator.StreamEvent{Type: translator.EventFinish, StopReason: reason})
}

// collect aggregates a non-stream body into one response.
func (c *Client) collect(body io.Reader, model string) (*upstream.Result, error) {
	reader := upstream.NewSSEReader(body)
	resp := &translator.Response{ID: "msg_" + uuid.NewString(), Model: model}

	var text strings.Builder
	var toolID, toolName string
	var toolInput strings.Builder
	var p frameParser
	flushTool := func() {
		if toolName == "" {
			return
		}
		input := toolInput.String()
		if input == "" {
			input = "{}"
		}
		resp.Parts = append(resp.Parts, translator.Part{
			Type: translator.PartToolUse, ToolID: toolID, ToolName: toolName,
			ToolInput: json.RawMessage(input),
		})
		toolID, toolName = "", ""
		toolInput.Reset()
	}

	for {
		frame, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindTransient, "reading upstream response", err)
		}
		for _, ev := range p.next(frame) {
			switch ev.Type {
			case translator.EventTextDelta:
				text.WriteString(ev.Text)
			case translator.EventToolUseStart:
				flushTool()
				toolID, toolName = ev.ToolID, ev.ToolName
			case translator.EventToolInputDelta:
				toolInput.WriteString(ev.Text)
			case translator.EventError:
				return nil, ev.Err
			}
		}
	}
	flushTool()
	if text.Len() > 0 {
		resp.Parts = append([]translator.Part{{Type: translator.PartText, Text: text.String()}}, resp.Parts...)
	}
	resp.StopReason = "end_turn"
	if p.sawTool {
		resp.StopReason = "tool_use"
	}
	return &upstream.Result{Response: resp}, nil
}

// Models lists the model ids the assistant API currently serves.
func (c *Client) Models(ctx context.Context, cred *credential.Credential) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(cred, "ListAvailableModels"), strings.NewReader("{}"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "building model list request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.ClassifyStatus(resp.StatusCode, string(payload))
	}

	var out []string
	for _, m := range gjson.GetBytes(payload, "models").Array() {
		if id := m.Get("modelId").String(); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

// FetchQuota pulls per-model usage limits for the quota tracker.
func (c *Client) FetchQuota(ctx context.Context, cred *credential.Credential) (map[string]credential.ModelQuota, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(cred, "getUsageLimits"), strings.NewReader("{}"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "building usage limits request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.ClassifyStatus(resp.StatusCode, string(payload))
	}

	quota := make(map[string]credential.ModelQuota)
	for _, l := range gjson.GetBytes(payload, "limits").Array() {
		model := l.Get("modelId").String()
		if model == "" {
			continue
		}
		q := credential.ModelQuota{RemainingFraction: l.Get("remainingFraction").Float()}
		if ts := l.Get("resetTime").String(); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				q.ResetTime = t
			}
		}
		quota[model] = q
	}
	return quota, nil
}
