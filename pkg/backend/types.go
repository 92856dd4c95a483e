// Package backend defines the AgentHandler contract (C8, spec §4.7) shared
// by every LLM adapter, plus the types used to build prompts and to stream
// incremental output back to the run engine. Adapted from the teacher's
// pkg/llm package (Message/ContentBlock/StreamChunk), trimmed to what the
// spec's ContentPart model needs (no image content — the spec's data model
// has no image variant) and extended with per-chunk tool-call fragments.
package backend

import "context"

// StopReason values, normalized across every adapter.
const (
	StopReasonStop   = "stop"
	StopReasonLength = "length"
)

// Message is one turn in the prompt sent to a backend.
type Message struct {
	Role       string     `json:"role"` // "system" | "user" | "assistant" | "tool"
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a fully-resolved tool invocation the model requested.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded
}

// ToolCallFragment is one incremental delta of a streamed tool call, keyed
// by Index so fragments from different calls interleaved in the same
// stream can be told apart (spec §4.7 "Tool-call accumulation").
type ToolCallFragment struct {
	Index        int
	IDDelta      string
	NameDelta    string
	ArgumentsDelta string
}

// Usage mirrors the teacher's LLMUsage shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one incremental unit of a streaming response.
type Chunk struct {
	TextDelta      string
	ThinkingDelta  string
	ToolCallDeltas []ToolCallFragment
	IsFinal        bool
	FinishReason   string
	Usage          *Usage
	Err            error
}

// ToolSpec describes a tool made available to the model for this call.
type ToolSpec struct {
	Name                string
	Description         string
	Parameters          map[string]any
	RequiredParameters  []string
}

// Backend is the low-level streaming contract every adapter implements: one
// call, one channel of chunks, translated from that provider's native
// NDJSON/SSE shape into the uniform Chunk type.
type Backend interface {
	StreamChat(ctx context.Context, messages []Message, tools []ToolSpec) (<-chan Chunk, error)
	// IsTransientError classifies a returned error as worth retrying.
	IsTransientError(err error) bool
	// Name identifies the backend for logging/events (e.g. "ollama:llama3").
	Name() string
}
