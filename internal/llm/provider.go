// Package llm defines the streaming provider surface the executor drives and
// an Anthropic-compatible implementation over net/http.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Provider streams one model response. The returned channel yields chunks in
// stream order and closes after the finish chunk (or an error chunk).
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Request is one LLM call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Message is a conversation message in provider-neutral form.
type Message struct {
	Role       string // "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // assistant messages that invoked tools
	ToolCallID string     // role "tool": the call this result answers
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Chunk kinds. A stream is a sequence of text deltas and tool calls ending in
// exactly one finish chunk (or an error chunk on stream failure).
type ChunkKind int

const (
	ChunkTextDelta ChunkKind = iota
	ChunkToolCall
	ChunkFinish
	ChunkError
)

// Chunk is one piece of a streaming response.
type Chunk struct {
	Kind         ChunkKind
	Text         string
	ToolCall     *ToolCall
	FinishReason string // "stop", "tool_calls", "length"
	Usage        *Usage
	Err          error
}

// Usage tracks token consumption of one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// HTTPError carries the status of a failed provider request so retry
// classification can distinguish rate limits and server errors.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm: http %d: %s", e.Status, e.Body)
}

// IsTransient reports whether the error is worth retrying: connection resets,
// timeouts, 429, and 5xx. Schema and auth failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
