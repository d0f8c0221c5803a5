package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// SSE event payloads we care about. Everything else (ping, signatures) is
// skipped.

type sseContentBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type sseContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type sseMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type sseMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type sseError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseStream reads Anthropic SSE lines and emits chunks. Text deltas pass
// through immediately; tool_use blocks buffer their input JSON and emit one
// ChunkToolCall at content_block_stop. The function always ends the channel
// with either a finish or an error chunk.
func parseStream(r io.Reader, out chan<- Chunk) {
	type pendingTool struct {
		id, name string
		argsJSON strings.Builder
	}
	pending := make(map[int]*pendingTool)

	usage := &Usage{}
	finishReason := "stop"
	finished := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := []byte(strings.TrimPrefix(line, "data: "))

		switch currentEvent {
		case "message_start":
			var ev sseMessageStart
			if json.Unmarshal(data, &ev) == nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			var ev sseContentBlockStart
			if json.Unmarshal(data, &ev) == nil && ev.ContentBlock.Type == "tool_use" {
				pending[ev.Index] = &pendingTool{
					id:   ev.ContentBlock.ID,
					name: strings.TrimSpace(ev.ContentBlock.Name),
				}
			}

		case "content_block_delta":
			var ev sseContentBlockDelta
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					out <- Chunk{Kind: ChunkTextDelta, Text: ev.Delta.Text}
				}
			case "input_json_delta":
				if pt, ok := pending[ev.Index]; ok {
					pt.argsJSON.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			var ev sseContentBlockDelta // only index is needed
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			pt, ok := pending[ev.Index]
			if !ok {
				continue
			}
			delete(pending, ev.Index)
			args := map[string]any{}
			if raw := pt.argsJSON.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					out <- Chunk{Kind: ChunkError, Err: fmt.Errorf("llm: tool %s arguments malformed: %w", pt.name, err)}
					return
				}
			}
			out <- Chunk{Kind: ChunkToolCall, ToolCall: &ToolCall{ID: pt.id, Name: pt.name, Arguments: args}}

		case "message_delta":
			var ev sseMessageDelta
			if json.Unmarshal(data, &ev) == nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
				switch ev.Delta.StopReason {
				case "tool_use":
					finishReason = "tool_calls"
				case "max_tokens":
					finishReason = "length"
				}
			}

		case "message_stop":
			out <- Chunk{Kind: ChunkFinish, FinishReason: finishReason, Usage: usage}
			finished = true

		case "error":
			var ev sseError
			msg := "stream error"
			if json.Unmarshal(data, &ev) == nil && ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			out <- Chunk{Kind: ChunkError, Err: fmt.Errorf("llm: %s", msg)}
			return
		}
	}

	if err := scanner.Err(); err != nil && !finished {
		out <- Chunk{Kind: ChunkError, Err: fmt.Errorf("llm: stream read: %w", err)}
		return
	}
	if !finished {
		// Connection closed without message_stop.
		out <- Chunk{Kind: ChunkError, Err: io.ErrUnexpectedEOF}
	}
}
