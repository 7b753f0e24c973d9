package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ParseOpenAIRequest converts a chat/completions body into the internal
// representation. System messages collapse into Request.System; tool-result
// messages keep the tool role.
func ParseOpenAIRequest(raw []byte) (*Request, error) {
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
		SessionID: body.Get("user").String(),
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = int(body.Get("max_completion_tokens").Int())
	}
	if t := body.Get("temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}
	if p := body.Get("top_p"); p.Exists() {
		v := p.Float()
		req.TopP = &v
	}
	if stop := body.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			for _, s := range stop.Array() {
				req.StopSeqs = append(req.StopSeqs, s.String())
			}
		} else {
			req.StopSeqs = append(req.StopSeqs, stop.String())
		}
	}

	for _, tool := range body.Get("tools").Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		t := Tool{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
		}
		if schema := fn.Get("parameters"); schema.Exists() {
			t.InputSchema = json.RawMessage(schema.Raw)
		}
		req.Tools = append(req.Tools, t)
	}

	var systems []string
	for _, msg := range msgs.Array() {
		role := msg.Get("role").String()
		switch role {
		case "system", "developer":
			systems = append(systems, msg.Get("content").String())
		case "user":
			req.Messages = append(req.Messages, Message{
				Role:  RoleUser,
				Parts: []Part{{Type: PartText, Text: openaiContentText(msg.Get("content"))}},
			})
		case "assistant":
			m := Message{Role: RoleAssistant}
			if content := msg.Get("content"); content.Exists() && content.String() != "" {
				m.Parts = append(m.Parts, Part{Type: PartText, Text: openaiContentText(content)})
			}
			for _, tc := range msg.Get("tool_calls").Array() {
				if tc.Get("type").String() != "function" {
					continue
				}
				m.Parts = append(m.Parts, Part{
					Type:      PartToolUse,
					ToolID:    tc.Get("id").String(),
					ToolName:  tc.Get("function.name").String(),
					ToolInput: json.RawMessage(tc.Get("function.arguments").String()),
				})
			}
			if len(m.Parts) > 0 {
				req.Messages = append(req.Messages, m)
			}
		case "tool":
			req.Messages = append(req.Messages, Message{
				Role: RoleTool,
				Parts: []Part{{
					Type:          PartToolResult,
					ToolResultFor: msg.Get("tool_call_id").String(),
					Text:          msg.Get("content").String(),
				}},
			})
		default:
			return nil, fmt.Errorf("unsupported message role %q", role)
		}
	}
	req.System = strings.Join(systems, "\n")
	return req, nil
}

// openaiContentText flattens string-or-array content into text.
func openaiContentText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var sb strings.Builder
	for _, part := range content.Array() {
		if part.Get("type").String() == "text" {
			sb.WriteString(part.Get("text").String())
		}
	}
	return sb.String()
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiChatMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiChoice struct {
	Index        int               `json:"index"`
	Message      openaiChatMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiChatCompletion struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

// RenderOpenAIResponse serializes a complete turn as a chat.completion.
// Thinking parts are omitted; tool_use parts map to tool_calls.
func RenderOpenAIResponse(resp *Response) []byte {
	var text strings.Builder
	var calls []openaiToolCall
	for _, p := range resp.Parts {
		switch p.Type {
		case PartText:
			text.WriteString(p.Text)
		case PartToolUse:
			tc := openaiToolCall{ID: p.ToolID, Type: "function"}
			tc.Function.Name = p.ToolName
			tc.Function.Arguments = string(p.ToolInput)
			if tc.Function.Arguments == "" {
				tc.Function.Arguments = "{}"
			}
			calls = append(calls, tc)
		}
	}

	finish := "stop"
	switch resp.StopReason {
	case "tool_use":
		finish = "tool_calls"
	case "max_tokens":
		finish = "length"
	}

	content := text.String()
	msg := openaiChatMessage{Role: "assistant", Content: &content, ToolCalls: calls}
	if content == "" && len(calls) > 0 {
		msg.Content = nil
	}

	out := openaiChatCompletion{
		ID:      "chatcmpl-" + strings.TrimPrefix(resp.ID, "msg_"),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openaiChoice{{Message: msg, FinishReason: finish}},
		Usage: openaiUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	b, _ := json.Marshal(out)
	return b
}
