package translator

import (
	"testing"

	apperrors "poly2api-go/internal/errors"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func collect(t *testing.T, s *ClaudeStream, events ...StreamEvent) []WireEvent {
	t.Helper()
	var out []WireEvent
	for _, ev := range events {
		out = append(out, s.Next(ev)...)
	}
	return out
}

func TestClaudeStreamGrammar(t *testing.T) {
	s := NewClaudeStream()
	frames := collect(t, s,
		StreamEvent{Type: EventStart, ID: "msg_1", Model: "m"},
		StreamEvent{Type: EventTextDelta, Text: "hel"},
		StreamEvent{Type: EventTextDelta, Text: "lo"},
		StreamEvent{Type: EventFinish, StopReason: "end_turn", Usage: &Usage{InputTokens: 3, OutputTokens: 2}},
	)

	var names []string
	for _, f := range frames {
		names = append(names, f.Event)
	}
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	require.Equal(t, "text_delta", gjson.GetBytes(frames[2].Data, "delta.type").String())
	require.Equal(t, "hel", gjson.GetBytes(frames[2].Data, "delta.text").String())
	require.Equal(t, int64(2), gjson.GetBytes(frames[5].Data, "usage.output_tokens").Int())
	require.Equal(t, "end_turn", gjson.GetBytes(frames[5].Data, "delta.stop_reason").String())
}

func TestClaudeStreamThinkingBeforeText(t *testing.T) {
	s := NewClaudeStream()
	frames := collect(t, s,
		StreamEvent{Type: EventStart, ID: "msg_1", Model: "m"},
		StreamEvent{Type: EventThinkingDelta, Text: "mull"},
		StreamEvent{Type: EventThinkingSignature, Signature: "sig"},
		StreamEvent{Type: EventTextDelta, Text: "answer"},
		StreamEvent{Type: EventFinish, StopReason: "end_turn"},
	)

	// thinking block opens first, closes when text starts
	require.Equal(t, "content_block_start", frames[1].Event)
	require.Equal(t, "thinking", gjson.GetBytes(frames[1].Data, "content_block.type").String())
	require.Equal(t, "thinking_delta", gjson.GetBytes(frames[2].Data, "delta.type").String())
	require.Equal(t, "signature_delta", gjson.GetBytes(frames[3].Data, "delta.type").String())
	require.Equal(t, "content_block_stop", frames[4].Event)
	require.Equal(t, "text", gjson.GetBytes(frames[5].Data, "content_block.type").String())
}

func TestClaudeStreamToolUse(t *testing.T) {
	s := NewClaudeStream()
	frames := collect(t, s,
		StreamEvent{Type: EventStart, ID: "msg_1", Model: "m"},
		StreamEvent{Type: EventToolUseStart, ToolID: "toolu_1", ToolName: "get_weather"},
		StreamEvent{Type: EventToolInputDelta, Text: `{"city":`},
		StreamEvent{Type: EventToolInputDelta, Text: `"Berlin"}`},
		StreamEvent{Type: EventBlockStop},
		StreamEvent{Type: EventFinish, StopReason: "tool_use"},
	)

	require.Equal(t, "tool_use", gjson.GetBytes(frames[1].Data, "content_block.type").String())
	require.Equal(t, "get_weather", gjson.GetBytes(frames[1].Data, "content_block.name").String())
	require.Equal(t, "input_json_delta", gjson.GetBytes(frames[2].Data, "delta.type").String())
	require.Equal(t, `{"city":`, gjson.GetBytes(frames[2].Data, "delta.partial_json").String())
	last := frames[len(frames)-2]
	require.Equal(t, "tool_use", gjson.GetBytes(last.Data, "delta.stop_reason").String())
}

func TestClaudeStreamErrorEvent(t *testing.T) {
	s := NewClaudeStream()
	s.Next(StreamEvent{Type: EventStart, ID: "msg_1", Model: "m"})
	frames := s.Next(StreamEvent{Type: EventError, Err: apperrors.New(apperrors.KindTransient, "upstream gone")})
	require.Len(t, frames, 1)
	require.Equal(t, "error", frames[0].Event)
	require.Equal(t, "api_error", gjson.GetBytes(frames[0].Data, "error.type").String())
}

func TestOpenAIStreamGrammar(t *testing.T) {
	s := NewOpenAIStream()
	var frames []WireEvent
	for _, ev := range []StreamEvent{
		{Type: EventStart, ID: "msg_1", Model: "m"},
		{Type: EventTextDelta, Text: "hi"},
		{Type: EventThinkingDelta, Text: "hidden"},
		{Type: EventFinish, StopReason: "end_turn"},
	} {
		frames = append(frames, s.Next(ev)...)
	}

	// no event: names in the openai grammar, thinking deltas are dropped
	require.Len(t, frames, 4)
	for _, f := range frames {
		require.Empty(t, f.Event)
	}
	require.Equal(t, "assistant", gjson.GetBytes(frames[0].Data, "choices.0.delta.role").String())
	require.Equal(t, "hi", gjson.GetBytes(frames[1].Data, "choices.0.delta.content").String())
	require.Equal(t, "stop", gjson.GetBytes(frames[2].Data, "choices.0.finish_reason").String())
	require.Equal(t, "[DONE]", string(frames[3].Data))
}

func TestOpenAIStreamToolCalls(t *testing.T) {
	s := NewOpenAIStream()
	s.Next(StreamEvent{Type: EventStart, ID: "msg_1", Model: "m"})
	start := s.Next(StreamEvent{Type: EventToolUseStart, ToolID: "call_1", ToolName: "get_weather"})
	require.Equal(t, "get_weather", gjson.GetBytes(start[0].Data, "choices.0.delta.tool_calls.0.function.name").String())
	delta := s.Next(StreamEvent{Type: EventToolInputDelta, Text: `{"a":1}`})
	require.Equal(t, `{"a":1}`, gjson.GetBytes(delta[0].Data, "choices.0.delta.tool_calls.0.function.arguments").String())
	fin := s.Next(StreamEvent{Type: EventFinish, StopReason: "tool_use"})
	require.Equal(t, "tool_calls", gjson.GetBytes(fin[0].Data, "choices.0.finish_reason").String())
}
