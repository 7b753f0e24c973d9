package translator

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "poly2api-go/internal/errors"
)

// OpenAIStream renders typed events as `data: {...}` chunks terminated by
// `data: [DONE]`. No `event:` lines in this grammar.
type OpenAIStream struct {
	id        string
	model     string
	created   int64
	toolIndex int
	outputTok int
}

// NewOpenAIStream creates a renderer for one streaming response.
func NewOpenAIStream() *OpenAIStream {
	return &OpenAIStream{created: time.Now().Unix(), toolIndex: -1}
}

type openaiDelta struct {
	Role      string                `json:"role,omitempty"`
	Content   string                `json:"content,omitempty"`
	ToolCalls []openaiDeltaToolCall `json:"tool_calls,omitempty"`
}

type openaiDeltaToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

func (s *OpenAIStream) chunk(delta openaiDelta, finish *string) WireEvent {
	payload := map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	b, _ := json.Marshal(payload)
	return WireEvent{Data: b}
}

// Next renders one upstream event into zero or more data frames.
func (s *OpenAIStream) Next(ev StreamEvent) []WireEvent {
	switch ev.Type {
	case EventStart:
		s.id = "chatcmpl-" + strings.TrimPrefix(ev.ID, "msg_")
		s.model = ev.Model
		return []WireEvent{s.chunk(openaiDelta{Role: "assistant"}, nil)}

	case EventTextDelta:
		s.outputTok += estimateTokens(ev.Text)
		return []WireEvent{s.chunk(openaiDelta{Content: ev.Text}, nil)}

	case EventThinkingDelta, EventThinkingSignature:
		// OpenAI dialect has no thinking surface; drop the delta
		return nil

	case EventToolUseStart:
		s.toolIndex++
		tc := openaiDeltaToolCall{Index: s.toolIndex, ID: ev.ToolID, Type: "function"}
		tc.Function.Name = ev.ToolName
		return []WireEvent{s.chunk(openaiDelta{ToolCalls: []openaiDeltaToolCall{tc}}, nil)}

	case EventToolInputDelta:
		if s.toolIndex < 0 {
			return nil
		}
		s.outputTok += estimateTokens(ev.Text)
		tc := openaiDeltaToolCall{Index: s.toolIndex}
		tc.Function.Arguments = ev.Text
		return []WireEvent{s.chunk(openaiDelta{ToolCalls: []openaiDeltaToolCall{tc}}, nil)}

	case EventBlockStop:
		return nil

	case EventFinish:
		finish := "stop"
		switch ev.StopReason {
		case "tool_use":
			finish = "tool_calls"
		case "max_tokens":
			finish = "length"
		}
		return []WireEvent{
			s.chunk(openaiDelta{}, &finish),
			{Data: []byte("[DONE]")},
		}

	case EventError:
		kind := apperrors.KindOf(ev.Err)
		msg := "stream interrupted"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		payload := map[string]any{
			"error": map[string]any{
				"type":    apperrors.TypeString(apperrors.DialectOpenAI, kind),
				"message": msg,
			},
		}
		b, _ := json.Marshal(payload)
		return []WireEvent{{Data: b}}
	}
	return nil
}

// OutputTokens returns the running per-delta estimate.
func (s *OpenAIStream) OutputTokens() int { return s.outputTok }
