package translator

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// BuildGeminiRequest converts the internal representation into the Gemini
// generateContent wire shape: role user/model contents, systemInstruction,
// functionCall/functionResponse parts, thinkingConfig.
func BuildGeminiRequest(req *Request) []byte {
	payload := map[string]any{}

	if req.System != "" {
		payload["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": req.System}},
		}
	}

	var contents []any
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		var parts []any
		for _, p := range msg.Parts {
			switch p.Type {
			case PartText:
				parts = append(parts, map[string]any{"text": p.Text})
			case PartThinking:
				part := map[string]any{"text": p.Text, "thought": true}
				if p.Signature != "" {
					part["thoughtSignature"] = p.Signature
				}
				parts = append(parts, part)
			case PartToolUse:
				var args any
				if len(p.ToolInput) > 0 {
					_ = json.Unmarshal(p.ToolInput, &args)
				}
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": p.ToolName, "args": args},
				})
			case PartToolResult:
				// Gemini has no tool role; fold results into a user turn
				role = "user"
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{
						"name":     p.ToolResultFor,
						"response": map[string]any{"result": p.Text},
					},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}
	payload["contents"] = contents

	if len(req.Tools) > 0 {
		var decls []any
		for _, t := range req.Tools {
			decl := map[string]any{
				"name":        t.Name,
				"description": t.Description,
			}
			if len(t.InputSchema) > 0 {
				var schema any
				if json.Unmarshal(t.InputSchema, &schema) == nil {
					decl["parameters"] = schema
				}
			}
			decls = append(decls, decl)
		}
		payload["tools"] = []any{map[string]any{"functionDeclarations": decls}}
	}

	gen := map[string]any{}
	if req.MaxTokens > 0 {
		gen["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		gen["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gen["topP"] = *req.TopP
	}
	if len(req.StopSeqs) > 0 {
		gen["stopSequences"] = req.StopSeqs
	}
	if req.Thinking {
		tc := map[string]any{"includeThoughts": true}
		if req.ThinkBudget > 0 {
			tc["thinkingBudget"] = req.ThinkBudget
		}
		gen["thinkingConfig"] = tc
	}
	if len(gen) > 0 {
		payload["generationConfig"] = gen
	}

	b, _ := json.Marshal(payload)
	return b
}

// ParseGeminiChunk converts one streaming generateContent chunk into typed
// events. The first chunk of a stream should be preceded by an EventStart
// emitted by the adapter.
func ParseGeminiChunk(raw []byte) []StreamEvent {
	body := gjson.ParseBytes(raw)
	cand := body.Get("candidates.0")
	if !cand.Exists() {
		cand = body.Get("response.candidates.0")
	}

	var events []StreamEvent
	for _, part := range cand.Get("content.parts").Array() {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			id := "toolu_" + uuid.NewString()[:8]
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			events = append(events,
				StreamEvent{Type: EventToolUseStart, ToolID: id, ToolName: fc.Get("name").String()},
				StreamEvent{Type: EventToolInputDelta, Text: args},
				StreamEvent{Type: EventBlockStop},
			)
		case part.Get("thought").Bool():
			events = append(events, StreamEvent{Type: EventThinkingDelta, Text: part.Get("text").String()})
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				events = append(events, StreamEvent{Type: EventThinkingSignature, Signature: sig})
			}
		case part.Get("text").Exists():
			events = append(events, StreamEvent{Type: EventTextDelta, Text: part.Get("text").String()})
		}
	}

	if finish := cand.Get("finishReason").String(); finish != "" {
		ev := StreamEvent{Type: EventFinish, StopReason: geminiStopReason(finish, hadToolCall(events))}
		if usage := usageFromGemini(body); usage != nil {
			ev.Usage = usage
		}
		events = append(events, ev)
	}
	return events
}

// ParseGeminiResponse converts a complete generateContent body into a
// Response.
func ParseGeminiResponse(raw []byte, model string) *Response {
	body := gjson.ParseBytes(raw)
	cand := body.Get("candidates.0")
	if !cand.Exists() {
		cand = body.Get("response.candidates.0")
	}

	resp := &Response{
		ID:    "msg_" + uuid.NewString(),
		Model: model,
	}
	toolUse := false
	for _, part := range cand.Get("content.parts").Array() {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			resp.Parts = append(resp.Parts, Part{
				Type:      PartToolUse,
				ToolID:    "toolu_" + uuid.NewString()[:8],
				ToolName:  fc.Get("name").String(),
				ToolInput: json.RawMessage(args),
			})
			toolUse = true
		case part.Get("thought").Bool():
			resp.Parts = append(resp.Parts, Part{
				Type:      PartThinking,
				Text:      part.Get("text").String(),
				Signature: part.Get("thoughtSignature").String(),
			})
		case part.Get("text").Exists():
			resp.Parts = append(resp.Parts, Part{Type: PartText, Text: part.Get("text").String()})
		}
	}
	resp.StopReason = geminiStopReason(cand.Get("finishReason").String(), toolUse)
	if usage := usageFromGemini(body); usage != nil {
		resp.Usage = *usage
	}
	return resp
}

func hadToolCall(events []StreamEvent) bool {
	for _, ev := range events {
		if ev.Type == EventToolUseStart {
			return true
		}
	}
	return false
}

func geminiStopReason(finish string, toolUse bool) string {
	if toolUse {
		return "tool_use"
	}
	switch strings.ToUpper(finish) {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func usageFromGemini(body gjson.Result) *Usage {
	meta := body.Get("usageMetadata")
	if !meta.Exists() {
		meta = body.Get("response.usageMetadata")
	}
	if !meta.Exists() {
		return nil
	}
	return &Usage{
		InputTokens:     int(meta.Get("promptTokenCount").Int()),
		OutputTokens:    int(meta.Get("candidatesTokenCount").Int()) + int(meta.Get("thoughtsTokenCount").Int()),
		CacheReadTokens: int(meta.Get("cachedContentTokenCount").Int()),
	}
}
