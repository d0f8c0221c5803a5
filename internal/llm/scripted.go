package llm

import (
	"context"
	"sync"
)

// ScriptedProvider replays canned responses, one per Stream call, in order.
// Used by executor and daemon tests.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses [][]Chunk
	calls     int

	// Requests records every request for assertions.
	Requests []Request

	// StreamErr, when set, fails the next Stream call before any chunk.
	StreamErr error
}

// NewScriptedProvider builds a provider that plays each chunk slice for
// consecutive calls. Calls past the script replay the last response.
func NewScriptedProvider(responses ...[]Chunk) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

func (s *ScriptedProvider) Name() string { return "scripted" }

func (s *ScriptedProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	s.calls++
	if s.StreamErr != nil {
		err := s.StreamErr
		s.StreamErr = nil
		s.mu.Unlock()
		return nil, err
	}
	idx := s.calls - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	var chunks []Chunk
	if idx >= 0 {
		chunks = s.responses[idx]
	}
	s.mu.Unlock()

	out := make(chan Chunk, len(chunks)+1)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Calls returns how many times Stream ran.
func (s *ScriptedProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Text is a convenience script: stream the text as one delta and finish.
func Text(text string) []Chunk {
	return []Chunk{
		{Kind: ChunkTextDelta, Text: text},
		{Kind: ChunkFinish, FinishReason: "stop"},
	}
}

// TextThenTool scripts a response that streams text, invokes one tool, and
// finishes with a tool_calls reason.
func TextThenTool(text, toolName string, args map[string]any) []Chunk {
	return []Chunk{
		{Kind: ChunkTextDelta, Text: text},
		{Kind: ChunkToolCall, ToolCall: &ToolCall{ID: "call_1", Name: toolName, Arguments: args}},
		{Kind: ChunkFinish, FinishReason: "tool_calls"},
	}
}
