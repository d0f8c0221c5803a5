package llm

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func collect(t *testing.T, sse string) []Chunk {
	t.Helper()
	out := make(chan Chunk, 32)
	go func() {
		defer close(out)
		parseStream(strings.NewReader(sse), out)
	}()
	var chunks []Chunk
	for c := range out {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestParseStreamTextAndFinish(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"message":{"usage":{"input_tokens":12}}}`,
		``,
		`event: content_block_delta`,
		`data: {"index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: content_block_delta`,
		`data: {"index":0,"delta":{"type":"text_delta","text":" world"}}`,
		``,
		`event: message_delta`,
		`data: {"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		``,
		`event: message_stop`,
		`data: {}`,
		``,
	}, "\n")

	chunks := collect(t, sse)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 2 deltas + finish", len(chunks))
	}
	if chunks[0].Text != "Hello" || chunks[1].Text != " world" {
		t.Errorf("deltas = %q %q", chunks[0].Text, chunks[1].Text)
	}
	fin := chunks[2]
	if fin.Kind != ChunkFinish || fin.FinishReason != "stop" {
		t.Errorf("finish = %+v", fin)
	}
	if fin.Usage == nil || fin.Usage.PromptTokens != 12 || fin.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v", fin.Usage)
	}
}

func TestParseStreamAssemblesToolCall(t *testing.T) {
	sse := strings.Join([]string{
		`event: content_block_start`,
		`data: {"index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"delegate"}}`,
		``,
		`event: content_block_delta`,
		`data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"recipients\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"[\"coder\"],\"prompt\":\"go\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"index":1}`,
		``,
		`event: message_delta`,
		`data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		``,
		`event: message_stop`,
		`data: {}`,
		``,
	}, "\n")

	chunks := collect(t, sse)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want tool call + finish", len(chunks))
	}
	tc := chunks[0]
	if tc.Kind != ChunkToolCall || tc.ToolCall == nil {
		t.Fatalf("first chunk = %+v", tc)
	}
	if tc.ToolCall.ID != "toolu_1" || tc.ToolCall.Name != "delegate" {
		t.Errorf("call = %+v", tc.ToolCall)
	}
	if got, _ := tc.ToolCall.Arguments["prompt"].(string); got != "go" {
		t.Errorf("arguments = %v", tc.ToolCall.Arguments)
	}
	if chunks[1].FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", chunks[1].FinishReason)
	}
}

func TestParseStreamStopReasons(t *testing.T) {
	tests := []struct {
		stopReason string
		want       string
	}{
		{"end_turn", "stop"},
		{"tool_use", "tool_calls"},
		{"max_tokens", "length"},
	}
	for _, tt := range tests {
		sse := strings.Join([]string{
			`event: message_delta`,
			`data: {"delta":{"stop_reason":"` + tt.stopReason + `"},"usage":{"output_tokens":1}}`,
			``,
			`event: message_stop`,
			`data: {}`,
			``,
		}, "\n")
		chunks := collect(t, sse)
		if len(chunks) != 1 || chunks[0].FinishReason != tt.want {
			t.Errorf("stop_reason %q: got %+v, want finish %q", tt.stopReason, chunks, tt.want)
		}
	}
}

func TestParseStreamErrorEvent(t *testing.T) {
	sse := strings.Join([]string{
		`event: error`,
		`data: {"error":{"type":"overloaded_error","message":"Overloaded"}}`,
		``,
	}, "\n")

	chunks := collect(t, sse)
	if len(chunks) != 1 || chunks[0].Kind != ChunkError {
		t.Fatalf("chunks = %+v", chunks)
	}
	if !strings.Contains(chunks[0].Err.Error(), "Overloaded") {
		t.Errorf("err = %v", chunks[0].Err)
	}
}

func TestParseStreamTruncatedIsTransient(t *testing.T) {
	sse := strings.Join([]string{
		`event: content_block_delta`,
		`data: {"index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		``,
	}, "\n")

	chunks := collect(t, sse)
	last := chunks[len(chunks)-1]
	if last.Kind != ChunkError || !errors.Is(last.Err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated stream must end in ErrUnexpectedEOF, got %+v", last)
	}
	if !IsTransient(last.Err) {
		t.Error("a truncated stream is retryable")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&HTTPError{Status: 429}, true},
		{&HTTPError{Status: 500}, true},
		{&HTTPError{Status: 503}, true},
		{&HTTPError{Status: 400}, false},
		{&HTTPError{Status: 401}, false},
		{io.ErrUnexpectedEOF, true},
		{errors.New("something else"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestEncodeMessagesMergesToolResults(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "do two things"},
		{Role: "assistant", Content: "on it", ToolCalls: []ToolCall{
			{ID: "c1", Name: "delegate", Arguments: map[string]any{"prompt": "a"}},
			{ID: "c2", Name: "delegate", Arguments: map[string]any{"prompt": "b"}},
		}},
		{Role: "tool", ToolCallID: "c1", Content: "first done"},
		{Role: "tool", ToolCallID: "c2", Content: "second done"},
		{Role: "assistant", Content: "both finished"},
	}

	out := encodeMessages(msgs)
	if len(out) != 4 {
		t.Fatalf("messages = %d, want user + assistant + merged results + assistant", len(out))
	}
	if out[2].Role != "user" {
		t.Errorf("tool results must ride a user message, got %q", out[2].Role)
	}
	blocks, ok := out[2].Content.([]any)
	if !ok || len(blocks) != 2 {
		t.Fatalf("merged result blocks = %v", out[2].Content)
	}
	first, _ := blocks[0].(map[string]any)
	if first["type"] != "tool_result" || first["tool_use_id"] != "c1" {
		t.Errorf("block = %v", first)
	}
}
