package translator

import (
	"encoding/json"

	apperrors "poly2api-go/internal/errors"
)

// ClaudeStream renders typed stream events into the Anthropic SSE grammar:
// message_start, content_block_start/delta/stop, message_delta, message_stop.
// It tracks open blocks so interleaved thinking/text/tool deltas emit the
// right block boundaries, and accumulates output tokens for message_delta.
type ClaudeStream struct {
	model      string
	msgID      string
	blockIndex int
	blockOpen  bool
	blockType  string
	started    bool
	outputTok  int
}

// NewClaudeStream creates a renderer for one streaming response.
func NewClaudeStream() *ClaudeStream { return &ClaudeStream{blockIndex: -1} }

func (s *ClaudeStream) frame(event string, payload any) WireEvent {
	b, _ := json.Marshal(payload)
	return WireEvent{Event: event, Data: b}
}

func (s *ClaudeStream) openBlock(kind string, extra map[string]any) []WireEvent {
	var out []WireEvent
	if s.blockOpen {
		out = append(out, s.closeBlock()...)
	}
	s.blockIndex++
	s.blockOpen = true
	s.blockType = kind
	block := map[string]any{"type": kind}
	for k, v := range extra {
		block[k] = v
	}
	switch kind {
	case "text":
		block["text"] = ""
	case "thinking":
		block["thinking"] = ""
	}
	out = append(out, s.frame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": block,
	}))
	return out
}

func (s *ClaudeStream) closeBlock() []WireEvent {
	if !s.blockOpen {
		return nil
	}
	s.blockOpen = false
	return []WireEvent{s.frame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	})}
}

// Next renders one upstream event. The returned frames must be written in
// order before the next call.
func (s *ClaudeStream) Next(ev StreamEvent) []WireEvent {
	switch ev.Type {
	case EventStart:
		s.started = true
		s.model = ev.Model
		s.msgID = ev.ID
		return []WireEvent{s.frame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            ev.ID,
				"type":          "message",
				"role":          "assistant",
				"model":         ev.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})}

	case EventThinkingDelta:
		var out []WireEvent
		if s.blockType != "thinking" || !s.blockOpen {
			out = s.openBlock("thinking", nil)
		}
		s.outputTok += estimateTokens(ev.Text)
		return append(out, s.frame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Text},
		}))

	case EventThinkingSignature:
		if !s.blockOpen || s.blockType != "thinking" {
			return nil
		}
		return []WireEvent{s.frame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": map[string]any{"type": "signature_delta", "signature": ev.Signature},
		})}

	case EventTextDelta:
		var out []WireEvent
		if s.blockType != "text" || !s.blockOpen {
			out = s.openBlock("text", nil)
		}
		s.outputTok += estimateTokens(ev.Text)
		return append(out, s.frame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		}))

	case EventToolUseStart:
		return s.openBlock("tool_use", map[string]any{
			"id":    ev.ToolID,
			"name":  ev.ToolName,
			"input": map[string]any{},
		})

	case EventToolInputDelta:
		if !s.blockOpen || s.blockType != "tool_use" {
			return nil
		}
		s.outputTok += estimateTokens(ev.Text)
		return []WireEvent{s.frame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.Text},
		})}

	case EventBlockStop:
		return s.closeBlock()

	case EventFinish:
		out := s.closeBlock()
		outputTokens := s.outputTok
		usage := map[string]any{"output_tokens": outputTokens}
		if ev.Usage != nil {
			usage["output_tokens"] = ev.Usage.OutputTokens
			usage["input_tokens"] = ev.Usage.InputTokens
		}
		out = append(out, s.frame("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   claudeStopReason(ev.StopReason),
				"stop_sequence": nil,
			},
			"usage": usage,
		}))
		out = append(out, s.frame("message_stop", map[string]any{"type": "message_stop"}))
		return out

	case EventError:
		kind := apperrors.KindOf(ev.Err)
		msg := "stream interrupted"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return []WireEvent{s.frame("error", map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    apperrors.TypeString(apperrors.DialectClaude, kind),
				"message": msg,
			},
		})}
	}
	return nil
}

// OutputTokens returns the running per-delta estimate.
func (s *ClaudeStream) OutputTokens() int { return s.outputTok }

// estimateTokens approximates tokens as ceil(len/4); the upstream's final
// usage (when present) replaces the estimate.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Started reports whether message_start was emitted yet; the handler uses
// this to decide between an SSE error event and a plain HTTP error.
func (s *ClaudeStream) Started() bool { return s.started }
