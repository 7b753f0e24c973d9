package translator

import "encoding/json"

// Role is the internal message role. Dialect adapters map provider roles
// (e.g. Gemini's "model") onto this set at the wire boundary.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType enumerates the content part kinds the gateway understands.
type PartType string

const (
	PartText       PartType = "text"
	PartThinking   PartType = "thinking"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// Part is one content segment of a message.
type Part struct {
	Type PartType

	Text string

	// thinking
	Signature string

	// tool use
	ToolID    string
	ToolName  string
	ToolInput json.RawMessage

	// tool result
	ToolResultFor string
	IsError       bool
}

// Message is the narrow internal representation every inbound dialect is
// parsed into and every upstream adapter consumes.
type Message struct {
	Role  Role
	Parts []Part
}

// Tool describes a callable tool surfaced to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is the dialect-independent request. System prompts are hoisted
// out of the message list; adapters re-inject them per wire format.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stream      bool
	Thinking    bool
	ThinkBudget int
	SessionID   string
	StopSeqs    []string
}

// Usage carries token accounting for one request.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Response is a complete (non-stream) model turn.
type Response struct {
	ID         string
	Model      string
	Parts      []Part
	StopReason string // end_turn | tool_use | max_tokens | stop_sequence
	Usage      Usage
}

// EventType enumerates typed stream events produced by upstream adapters.
// Each streaming request is a task whose output is a bounded channel of
// these; the handler renders them into the inbound dialect's SSE grammar.
type EventType int

const (
	EventStart EventType = iota
	EventTextDelta
	EventThinkingDelta
	EventThinkingSignature
	EventToolUseStart
	EventToolInputDelta
	EventBlockStop
	EventFinish
	EventError
)

// StreamEvent is one typed chunk of a streaming response.
type StreamEvent struct {
	Type EventType

	// EventStart
	ID    string
	Model string

	// deltas
	Text string

	// EventThinkingSignature
	Signature string

	// EventToolUseStart
	ToolID   string
	ToolName string

	// EventFinish
	StopReason string
	Usage      *Usage

	// EventError
	Err error
}

// WireEvent is one rendered SSE frame: an optional event name and the data
// payload. An empty Event means a bare `data:` line (OpenAI grammar).
type WireEvent struct {
	Event string
	Data  []byte
}
