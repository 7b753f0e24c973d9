package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseClaudeRequest converts an Anthropic Messages API body into the
// internal representation. Validation errors surface as plain errors; the
// handler classifies them as bad-request.
func ParseClaudeRequest(raw []byte) (*Request, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	body := gjson.ParseBytes(raw)

	model := strings.TrimSpace(body.Get("model").String())
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	msgs := body.Get("messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty array")
	}

	req := &Request{
		Model:     model,
		Stream:    body.Get("stream").Bool(),
		MaxTokens: int(body.Get("max_tokens").Int()),
		SessionID: sessionIDFromClaude(body),
	}
	if t := body.Get("temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}
	if p := body.Get("top_p"); p.Exists() {
		v := p.Float()
		req.TopP = &v
	}
	for _, s := range body.Get("stop_sequences").Array() {
		req.StopSeqs = append(req.StopSeqs, s.String())
	}

	// system may be a string or an array of text blocks
	if sys := body.Get("system"); sys.Exists() {
		if sys.IsArray() {
			var sb strings.Builder
			for _, blk := range sys.Array() {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(blk.Get("text").String())
			}
			req.System = sb.String()
		} else {
			req.System = sys.String()
		}
	}

	if th := body.Get("thinking"); th.Exists() && th.Get("type").String() == "enabled" {
		req.Thinking = true
		req.ThinkBudget = int(th.Get("budget_tokens").Int())
	}

	for _, tool := range body.Get("tools").Array() {
		t := Tool{
			Name:        tool.Get("name").String(),
			Description: tool.Get("description").String(),
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			t.InputSchema = json.RawMessage(schema.Raw)
		}
		req.Tools = append(req.Tools, t)
	}

	for _, msg := range msgs.Array() {
		m, err := parseClaudeMessage(msg)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, m)
	}
	return req, nil
}

func parseClaudeMessage(msg gjson.Result) (Message, error) {
	role := msg.Get("role").String()
	if role != "user" && role != "assistant" {
		return Message{}, fmt.Errorf("unsupported message role %q", role)
	}
	m := Message{Role: Role(role)}

	content := msg.Get("content")
	if !content.IsArray() {
		m.Parts = append(m.Parts, Part{Type: PartText, Text: content.String()})
		return m, nil
	}

	for _, blk := range content.Array() {
		switch blk.Get("type").String() {
		case "text":
			m.Parts = append(m.Parts, Part{Type: PartText, Text: blk.Get("text").String()})
		case "thinking":
			m.Parts = append(m.Parts, Part{
				Type:      PartThinking,
				Text:      blk.Get("thinking").String(),
				Signature: blk.Get("signature").String(),
			})
		case "tool_use":
			m.Parts = append(m.Parts, Part{
				Type:      PartToolUse,
				ToolID:    blk.Get("id").String(),
				ToolName:  blk.Get("name").String(),
				ToolInput: json.RawMessage(blk.Get("input").Raw),
			})
		case "tool_result":
			part := Part{
				Type:          PartToolResult,
				ToolResultFor: blk.Get("tool_use_id").String(),
				IsError:       blk.Get("is_error").Bool(),
			}
			rc := blk.Get("content")
			if rc.IsArray() {
				var sb strings.Builder
				for _, inner := range rc.Array() {
					sb.WriteString(inner.Get("text").String())
				}
				part.Text = sb.String()
			} else {
				part.Text = rc.String()
			}
			// tool results arrive on user turns; keep the internal role as tool
			m.Role = RoleTool
			m.Parts = append(m.Parts, part)
		case "image":
			// images are not forwarded to text-only upstreams; drop the block
		default:
			return Message{}, fmt.Errorf("unsupported content block type %q", blk.Get("type").String())
		}
	}
	return m, nil
}

// sessionIDFromClaude extracts a sticky-session key from request metadata.
func sessionIDFromClaude(body gjson.Result) string {
	if v := body.Get("metadata.user_id"); v.Exists() {
		return v.String()
	}
	return ""
}

// claude wire DTOs for rendering

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type claudeMessage struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []claudeContentBlock `json:"content"`
	StopReason   string               `json:"stop_reason"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        claudeUsage          `json:"usage"`
}

// RenderClaudeResponse serializes a complete turn in the Messages API shape.
func RenderClaudeResponse(resp *Response) []byte {
	out := claudeMessage{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: claudeStopReason(resp.StopReason),
		Content:    make([]claudeContentBlock, 0, len(resp.Parts)),
		Usage: claudeUsage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadTokens,
			CacheCreationInputTokens: resp.Usage.CacheWriteTokens,
		},
	}
	for _, p := range resp.Parts {
		switch p.Type {
		case PartText:
			out.Content = append(out.Content, claudeContentBlock{Type: "text", Text: p.Text})
		case PartThinking:
			out.Content = append(out.Content, claudeContentBlock{
				Type: "thinking", Thinking: p.Text, Signature: p.Signature,
			})
		case PartToolUse:
			input := p.ToolInput
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			out.Content = append(out.Content, claudeContentBlock{
				Type: "tool_use", ID: p.ToolID, Name: p.ToolName, Input: input,
			})
		}
	}
	b, _ := json.Marshal(out)
	return b
}

// BuildClaudeRequest serializes the internal representation back into the
// Messages API shape for passthrough upstreams.
func BuildClaudeRequest(req *Request) []byte {
	payload := map[string]any{
		"model":    req.Model,
		"stream":   req.Stream,
		"messages": []any{},
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	} else {
		payload["max_tokens"] = 4096
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if len(req.StopSeqs) > 0 {
		payload["stop_sequences"] = req.StopSeqs
	}
	if req.Thinking {
		th := map[string]any{"type": "enabled"}
		if req.ThinkBudget > 0 {
			th["budget_tokens"] = req.ThinkBudget
		}
		payload["thinking"] = th
	}
	if len(req.Tools) > 0 {
		var tools []any
		for _, t := range req.Tools {
			tool := map[string]any{"name": t.Name}
			if t.Description != "" {
				tool["description"] = t.Description
			}
			if len(t.InputSchema) > 0 {
				var schema any
				if json.Unmarshal(t.InputSchema, &schema) == nil {
					tool["input_schema"] = schema
				}
			}
			tools = append(tools, tool)
		}
		payload["tools"] = tools
	}

	var messages []any
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "assistant"
		}
		var blocks []any
		for _, p := range msg.Parts {
			switch p.Type {
			case PartText:
				blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
			case PartThinking:
				blk := map[string]any{"type": "thinking", "thinking": p.Text}
				if p.Signature != "" {
					blk["signature"] = p.Signature
				}
				blocks = append(blocks, blk)
			case PartToolUse:
				var input any
				if len(p.ToolInput) > 0 {
					_ = json.Unmarshal(p.ToolInput, &input)
				}
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, map[string]any{
					"type": "tool_use", "id": p.ToolID, "name": p.ToolName, "input": input,
				})
			case PartToolResult:
				blocks = append(blocks, map[string]any{
					"type":        "tool_result",
					"tool_use_id": p.ToolResultFor,
					"content":     p.Text,
					"is_error":    p.IsError,
				})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		messages = append(messages, map[string]any{"role": role, "content": blocks})
	}
	payload["messages"] = messages

	b, _ := json.Marshal(payload)
	return b
}

// ParseClaudeSSE converts one Anthropic stream frame into typed events.
func ParseClaudeSSE(event string, data []byte) []StreamEvent {
	body := gjson.ParseBytes(data)
	switch event {
	case "message_start":
		return []StreamEvent{{
			Type:  EventStart,
			ID:    body.Get("message.id").String(),
			Model: body.Get("message.model").String(),
		}}
	case "content_block_start":
		blk := body.Get("content_block")
		if blk.Get("type").String() == "tool_use" {
			return []StreamEvent{{
				Type:     EventToolUseStart,
				ToolID:   blk.Get("id").String(),
				ToolName: blk.Get("name").String(),
			}}
		}
		return nil
	case "content_block_delta":
		delta := body.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []StreamEvent{{Type: EventTextDelta, Text: delta.Get("text").String()}}
		case "thinking_delta":
			return []StreamEvent{{Type: EventThinkingDelta, Text: delta.Get("thinking").String()}}
		case "signature_delta":
			return []StreamEvent{{Type: EventThinkingSignature, Signature: delta.Get("signature").String()}}
		case "input_json_delta":
			return []StreamEvent{{Type: EventToolInputDelta, Text: delta.Get("partial_json").String()}}
		}
		return nil
	case "content_block_stop":
		return []StreamEvent{{Type: EventBlockStop}}
	case "message_delta":
		ev := StreamEvent{Type: EventFinish, StopReason: body.Get("delta.stop_reason").String()}
		if usage := body.Get("usage"); usage.Exists() {
			ev.Usage = &Usage{
				InputTokens:  int(usage.Get("input_tokens").Int()),
				OutputTokens: int(usage.Get("output_tokens").Int()),
			}
		}
		return []StreamEvent{ev}
	}
	return nil
}

func claudeStopReason(reason string) string {
	switch reason {
	case "tool_use", "max_tokens", "stop_sequence", "end_turn":
		return reason
	default:
		return "end_turn"
	}
}
