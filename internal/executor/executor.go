// Package executor drives one agent turn: prompt assembly, provider
// streaming, tool dispatch, and reply publishing.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/tenex-chat/tenexd/internal/agents"
	"github.com/tenex-chat/tenexd/internal/conversation"
	"github.com/tenex-chat/tenexd/internal/delegation"
	"github.com/tenex-chat/tenexd/internal/llm"
	"github.com/tenex-chat/tenexd/internal/tools"
	"github.com/tenex-chat/tenexd/internal/tracing"
	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// ErrStepLimit means the turn consumed its step budget without the model
// finishing. The limit is announced in the conversation before returning.
var ErrStepLimit = errors.New("executor: step limit reached")

const (
	statusInterval = 250 * time.Millisecond
	maxLLMRetries  = 3
	retryBase      = time.Second
	retryCap       = 10 * time.Second
)

// Executor runs agent turns against one LLM provider.
type Executor struct {
	Provider  llm.Provider
	Tools     *tools.Registry
	Publisher *Publisher
	MaxSteps  int
	MaxTokens int // per-response completion budget

	// Emit publishes an observer event; nil disables observation.
	Emit func(name string, payload map[string]any)

	Log *slog.Logger
}

// Turn is one wake-up of one agent on one triggering event.
type Turn struct {
	ProjectID     string
	Agent         *agents.Definition
	Registry      *agents.Registry
	Conversations *conversation.Coordinator
	Delegations   *delegation.Registry
	Trigger       *nostr.Event
	Model         string
}

// Run executes the turn to completion: stream the model, publish text as
// finalized replies, dispatch tool calls, loop until the model stops, a tool
// ends the turn, or the step budget runs out. Buffered text is always
// published before any tool in the same response executes.
func (e *Executor) Run(ctx context.Context, t *Turn) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "agent.turn")
	span.SetAttributes(
		attribute.String("agent.slug", t.Agent.Slug),
		attribute.String("trigger.id", t.Trigger.ID),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := e.log().With("agent", t.Agent.Slug, "event", shortID(t.Trigger.ID))

	conv, ok := t.Conversations.FindByEvent(t.Trigger.ID)
	if !ok {
		return fmt.Errorf("executor: trigger %s not in any conversation", shortID(t.Trigger.ID))
	}
	rootID := conv.RootID
	stampedPhase := string(t.Conversations.Phase(rootID))

	late := t.Delegations.UndeliveredSummaries(t.Agent.Pubkey)
	thread, err := t.Conversations.ThreadFor(t.Trigger.ID, t.Agent.Pubkey, t.Delegations.IsPendingRequest, late)
	if err != nil {
		return fmt.Errorf("executor: thread: %w", err)
	}
	messages := toLLMMessages(thread, t.Registry)

	// A turn triggered by a delegation request answers it: every finalized
	// reply quotes the request so the delegator's registry correlates it.
	quote := ""
	if t.Delegations.IsPendingRequest(t.Trigger.ID) {
		quote = t.Trigger.ID
	}

	ec := &tools.ExecContext{
		ProjectID:      t.ProjectID,
		Agent:          t.Agent,
		AgentRegistry:  t.Registry,
		ConversationID: rootID,
		TriggerEvent:   t.Trigger,
		Conversations:  t.Conversations,
		Delegations:    t.Delegations,
		Publisher:      e.Publisher,
	}

	orphans := t.Delegations.OrphanNotices(t.Agent.Pubkey)
	system := BuildSystemPrompt(t.Agent, t.Conversations.Phase(rootID), e.Tools.Names(), orphans)

	limiter := rate.NewLimiter(rate.Every(statusInterval), 1)
	e.emit(protocol.EventTurnStarted, map[string]any{
		"agent":        t.Agent.Slug,
		"conversation": rootID,
		"trigger":      t.Trigger.ID,
	})
	log.Info("turn started", "conversation", shortID(rootID), "thread_len", len(messages))

	// publishText finalizes buffered text as a reply, stamping the phase tag
	// when the phase changed since the last stamped reply.
	publishText := func(text string) error {
		if text == "" {
			return nil
		}
		phaseTag := ""
		if cur := string(t.Conversations.Phase(rootID)); cur != stampedPhase {
			phaseTag = cur
			stampedPhase = cur
		}
		_, err := e.Publisher.PublishReply(ctx, t.Agent, t.ProjectID, rootID, t.Trigger, text, phaseTag, quote)
		return err
	}

	maxSteps := e.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 20
	}

	for step := 1; step <= maxSteps; step++ {
		req := llm.Request{
			Model:     t.Model,
			System:    system,
			Messages:  messages,
			Tools:     e.Tools.Defs(t.Agent),
			MaxTokens: e.MaxTokens,
		}

		out, err := e.streamStep(ctx, t, ec, req, limiter, publishText, log)
		if err != nil {
			e.emit(protocol.EventTurnFailed, map[string]any{"agent": t.Agent.Slug, "conversation": rootID, "error": err.Error()})
			return err
		}

		if out.stopped {
			if perr := publishText(out.stopContent); perr != nil {
				return perr
			}
			e.emit(protocol.EventTurnCompleted, map[string]any{"agent": t.Agent.Slug, "conversation": rootID, "steps": step})
			log.Info("turn complete", "steps", step, "reason", "tool_stop")
			return nil
		}
		if len(out.calls) == 0 {
			if perr := publishText(out.text); perr != nil {
				return perr
			}
			e.emit(protocol.EventTurnCompleted, map[string]any{"agent": t.Agent.Slug, "conversation": rootID, "steps": step})
			log.Info("turn complete", "steps", step, "reason", out.finish)
			return nil
		}

		// Tool round-trip: the assistant message carries the already-published
		// text plus its calls; each result follows as a tool message.
		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   out.text,
			ToolCalls: out.calls,
		})
		messages = append(messages, out.results...)
	}

	limitMsg := fmt.Sprintf("I stopped after reaching the %d-step limit for a single turn. Send a follow-up message to continue.", maxSteps)
	if perr := publishText(limitMsg); perr != nil {
		log.Warn("failed to announce step limit", "error", perr)
	}
	e.emit(protocol.EventTurnFailed, map[string]any{"agent": t.Agent.Slug, "conversation": rootID, "reason": "step_limit", "max_steps": maxSteps})
	return ErrStepLimit
}

// stepOutcome is the digest of one provider response.
type stepOutcome struct {
	text        string
	calls       []llm.ToolCall
	results     []llm.Message
	finish      string
	stopped     bool
	stopContent string
}

// streamStep performs one provider call with transient-error retry and
// consumes the chunk stream, executing tool calls as they arrive.
func (e *Executor) streamStep(ctx context.Context, t *Turn, ec *tools.ExecContext, req llm.Request, limiter *rate.Limiter, publishText func(string) error, log *slog.Logger) (*stepOutcome, error) {
	var lastErr error
	for attempt := 0; attempt <= maxLLMRetries; attempt++ {
		if attempt > 0 {
			delay := backoffJitter(attempt)
			log.Warn("retrying llm call", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		out, err := e.consumeStream(ctx, t, ec, req, limiter, publishText)
		if err == nil {
			return out, nil
		}
		if !llm.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("executor: llm call failed after %d retries: %w", maxLLMRetries, lastErr)
}

func (e *Executor) consumeStream(ctx context.Context, t *Turn, ec *tools.ExecContext, req llm.Request, limiter *rate.Limiter, publishText func(string) error) (*stepOutcome, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := e.Provider.Stream(streamCtx, req)
	if err != nil {
		return nil, err
	}

	out := &stepOutcome{}
	var buf []byte
	flushed := false

	appendText := func(text string) {
		if out.text != "" {
			out.text += "\n\n"
		}
		out.text += text
	}

	for chunk := range stream {
		switch chunk.Kind {
		case llm.ChunkTextDelta:
			buf = append(buf, chunk.Text...)
			if limiter.Allow() {
				if serr := e.Publisher.PublishStatus(ctx, t.Agent, t.ProjectID, ec.ConversationID, t.Trigger, string(buf)); serr != nil {
					e.log().Debug("streaming status dropped", "error", serr)
				}
			}

		case llm.ChunkToolCall:
			if out.stopped {
				continue // turn already ended; ignore trailing calls
			}
			// Text streamed before this call must land as a finalized reply
			// before the tool observes the conversation.
			if len(buf) > 0 {
				text := string(buf)
				buf = buf[:0]
				appendText(text)
				flushed = true
				if perr := publishText(text); perr != nil {
					cancel()
					drain(stream)
					return nil, perr
				}
			}
			call := *chunk.ToolCall
			out.calls = append(out.calls, call)
			e.emit(protocol.EventToolCall, map[string]any{"agent": t.Agent.Slug, "tool": call.Name})
			res := e.Tools.Execute(ctx, call.Name, call.Arguments, ec)
			out.results = append(out.results, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    res.ForLLM,
			})
			if res.IsError {
				e.log().Warn("tool returned error", "tool", call.Name, "agent", t.Agent.Slug)
			}
			if res.StopExecution {
				out.stopped = true
				out.stopContent = res.ForLLM
			}

		case llm.ChunkFinish:
			out.finish = chunk.FinishReason
			if chunk.Usage != nil {
				e.emit(protocol.EventLLMUsage, map[string]any{
					"agent":             t.Agent.Slug,
					"prompt_tokens":     chunk.Usage.PromptTokens,
					"completion_tokens": chunk.Usage.CompletionTokens,
				})
			}

		case llm.ChunkError:
			cancel()
			drain(stream)
			return nil, chunk.Err
		}

		if out.stopped {
			cancel()
			drain(stream)
			return out, nil
		}
	}

	if len(buf) > 0 {
		text := string(buf)
		if flushed {
			// Text after a tool call still goes out; the caller only
			// publishes out.text itself when no tools ran.
			if perr := publishText(text); perr != nil {
				return nil, perr
			}
		}
		appendText(text)
	}
	return out, nil
}

func (e *Executor) emit(name string, payload map[string]any) {
	if e.Emit != nil {
		e.Emit(name, payload)
	}
}

func (e *Executor) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// toLLMMessages converts the thread view into provider messages. Everyone but
// the viewer collapses into the user role, so each foreign message is prefixed
// with its author to keep speakers distinguishable.
func toLLMMessages(thread []conversation.Message, reg *agents.Registry) []llm.Message {
	out := make([]llm.Message, 0, len(thread))
	for _, m := range thread {
		switch m.Role {
		case conversation.RoleAssistant:
			out = append(out, llm.Message{Role: "assistant", Content: m.Content})
		case conversation.RoleSystem:
			// Providers reject mid-thread system messages; carry summaries as
			// user context instead.
			out = append(out, llm.Message{Role: "user", Content: m.Content})
		default:
			out = append(out, llm.Message{Role: "user", Content: authorPrefix(m.Author, reg) + m.Content})
		}
	}
	return out
}

func authorPrefix(pubkey string, reg *agents.Registry) string {
	if pubkey == "" {
		return ""
	}
	if reg != nil {
		if def, ok := reg.Get(pubkey); ok {
			return "[@" + def.Slug + "] "
		}
	}
	return "[" + shortID(pubkey) + "] "
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

func backoffJitter(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	if d > retryCap {
		d = retryCap
	}
	// Up to 25% jitter keeps concurrent turns from retrying in lockstep.
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
