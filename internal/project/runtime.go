package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/internal/agents"
	"github.com/tenex-chat/tenexd/internal/config"
	"github.com/tenex-chat/tenexd/internal/conversation"
	"github.com/tenex-chat/tenexd/internal/dedup"
	"github.com/tenex-chat/tenexd/internal/delegation"
	"github.com/tenex-chat/tenexd/internal/executor"
	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// Deps are the daemon-wide collaborators a runtime borrows.
type Deps struct {
	Config *config.Config
	Global *agents.GlobalStore
	Exec   *executor.Executor
	Emit   func(name string, payload map[string]any)
	Log    *slog.Logger
}

// Runtime is the materialized state of one active project. It owns the
// project's stores and work queue; one goroutine drains the queue, agent
// turns fan out from it.
type Runtime struct {
	Ctx           *Context
	Agents        *agents.Registry
	Dedup         *dedup.Store
	Conversations *conversation.Coordinator
	Delegations   *delegation.Registry

	deps  Deps
	queue *workQueue
	log   *slog.Logger

	turns        sync.WaitGroup
	activeTurns  atomic.Int64
	lastActivity atomic.Int64 // unix nanos

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRuntime materializes a project: state directory, agent registry, dedup
// store, conversation coordinator, delegation rehydration, in that order. Any
// failure leaves the project in the daemon's failed set; nothing routes to it.
func NewRuntime(pctx *Context, deps Deps) (*Runtime, error) {
	if err := os.MkdirAll(pctx.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("project %s: state dir: %w", pctx.Slug, err)
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("project", pctx.Slug)

	reg, err := agents.NewRegistry(deps.Global, pctx.Agents)
	if err != nil {
		return nil, fmt.Errorf("project %s: agents: %w", pctx.Slug, err)
	}
	ded, err := dedup.Open(pctx.Dir, deps.Config.DedupCapacity())
	if err != nil {
		return nil, fmt.Errorf("project %s: dedup: %w", pctx.Slug, err)
	}
	conv, err := conversation.NewCoordinator(pctx.Dir, deps.Config.MaxConversationTokens())
	if err != nil {
		return nil, fmt.Errorf("project %s: conversations: %w", pctx.Slug, err)
	}
	deleg, err := delegation.Open(pctx.Dir, deps.Config.DelegationTimeout(), func(name string, rec *delegation.Record) {
		if deps.Emit != nil {
			deps.Emit(name, map[string]any{
				"project":    pctx.Slug,
				"delegation": rec.ID,
				"delegator":  rec.Delegator,
				"state":      string(rec.State),
			})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("project %s: delegations: %w", pctx.Slug, err)
	}

	rt := &Runtime{
		Ctx:           pctx,
		Agents:        reg,
		Dedup:         ded,
		Conversations: conv,
		Delegations:   deleg,
		deps:          deps,
		queue:         newWorkQueue(deps.Config.QueueSize(), log),
		log:           log,
		done:          make(chan struct{}),
	}
	rt.touch()
	return rt, nil
}

// Start begins draining the work queue.
func (rt *Runtime) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	rt.cancel = cancel
	go rt.run(ctx)
	rt.emit(protocol.EventProjectStarted, map[string]any{
		"project": rt.Ctx.Slug,
		"agents":  rt.Agents.Slugs(),
	})
	rt.log.Info("project runtime started", "agents", len(rt.Ctx.Agents))
}

// Enqueue hands a routed event to the runtime. Never blocks.
func (rt *Runtime) Enqueue(ev *nostr.Event) {
	rt.touch()
	rt.queue.Push(ev)
}

// NoteOwnEvent records an event one of our agents just published, so threads
// include it before the relay echoes it back. Routing still happens off the
// echo; the ingest is idempotent.
func (rt *Runtime) NoteOwnEvent(ev *nostr.Event) {
	if _, _, err := rt.Conversations.Ingest(ev); err != nil {
		rt.log.Debug("own event not ingested", "event", shortID(ev.ID), "error", err)
	}
}

// Idle reports whether the runtime can be torn down: inactivity window
// elapsed, no pending delegations, no running turns, empty queue.
func (rt *Runtime) Idle(now time.Time) bool {
	last := time.Unix(0, rt.lastActivity.Load())
	return now.Sub(last) >= rt.deps.Config.IdleTimeout() &&
		!rt.Delegations.HasPending() &&
		rt.activeTurns.Load() == 0 &&
		rt.queue.Len() == 0
}

// Shutdown stops the queue, waits for in-flight turns up to the grace period,
// and flushes persistent state.
func (rt *Runtime) Shutdown(grace time.Duration) {
	rt.queue.Close()
	if rt.cancel != nil {
		rt.cancel()
	}

	finished := make(chan struct{})
	go func() {
		rt.turns.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(grace):
		rt.log.Warn("turns still running at shutdown grace expiry")
	}

	if err := rt.Dedup.Flush(); err != nil {
		rt.log.Error("dedup flush failed", "error", err)
	}
	if err := rt.Delegations.Flush(); err != nil {
		rt.log.Error("delegation flush failed", "error", err)
	}
	<-rt.done
	rt.emit(protocol.EventProjectIdle, map[string]any{"project": rt.Ctx.Slug})
	rt.log.Info("project runtime stopped")
}

func (rt *Runtime) run(ctx context.Context) {
	defer close(rt.done)
	for {
		ev, ok := rt.queue.Pop()
		if !ok {
			return
		}
		rt.handle(ctx, ev)
	}
}

func (rt *Runtime) handle(ctx context.Context, ev *nostr.Event) {
	rt.touch()
	switch ev.Kind {
	case protocol.KindProject:
		rt.refreshMetadata(ev)
	case protocol.KindConversationRoot:
		rt.handleRoot(ctx, ev)
	case protocol.KindConversationReply:
		rt.handleReply(ctx, ev)
	default:
		rt.log.Debug("unhandled kind", "kind", ev.Kind, "event", shortID(ev.ID))
	}
}

// refreshMetadata applies a project definition update: new agent membership
// and title. A bad update keeps the previous registry.
func (rt *Runtime) refreshMetadata(ev *nostr.Event) {
	pubkeys := AgentTags(ev)
	if len(pubkeys) == 0 {
		rt.log.Warn("project update with no agents ignored", "event", shortID(ev.ID))
		return
	}
	if err := rt.Agents.Refresh(pubkeys); err != nil {
		rt.log.Warn("project update rejected, keeping previous agents", "error", err)
		return
	}
	if title := firstTagValue(ev, "title"); title != "" {
		rt.Ctx.Title = title
	}
	rt.log.Info("project metadata refreshed", "agents", len(pubkeys))
}

// handleRoot starts a conversation. The project manager takes it unless the
// message opens with an @slug mention of another project agent.
func (rt *Runtime) handleRoot(ctx context.Context, ev *nostr.Event) {
	if _, _, err := rt.Conversations.Ingest(ev); err != nil {
		rt.log.Warn("root rejected", "event", shortID(ev.ID), "error", err)
		return
	}
	target := rt.Agents.PM()
	if slug, ok := leadingMention(ev.Content); ok {
		if def, found := rt.Agents.BySlug(slug); found {
			target = def.Pubkey
		}
	}
	if target == ev.PubKey {
		return // an agent opening a thread does not wake itself
	}
	rt.spawnTurn(ctx, target, ev)
}

// handleReply wakes every addressed project agent in parallel. Replies with
// no agent recipients are recorded in the tree only.
func (rt *Runtime) handleReply(ctx context.Context, ev *nostr.Event) {
	if _, _, err := rt.Conversations.Ingest(ev); err != nil {
		rt.log.Warn("reply rejected", "event", shortID(ev.ID), "error", err)
		return
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != protocol.TagRecipient {
			continue
		}
		pk := tag[1]
		if pk == ev.PubKey || !rt.Agents.Has(pk) {
			continue
		}
		rt.spawnTurn(ctx, pk, ev)
	}
}

func (rt *Runtime) spawnTurn(ctx context.Context, agentPubkey string, trigger *nostr.Event) {
	def, ok := rt.Agents.Get(agentPubkey)
	if !ok {
		rt.log.Warn("turn target not in project", "pubkey", shortID(agentPubkey))
		return
	}
	model := def.Model
	if model == "" {
		model = rt.deps.Config.LLM.Route("agents")
	}

	rt.turns.Add(1)
	rt.activeTurns.Add(1)
	go func() {
		defer rt.turns.Done()
		defer rt.activeTurns.Add(-1)
		defer rt.touch()

		err := rt.deps.Exec.Run(ctx, &executor.Turn{
			ProjectID:     rt.Ctx.Coordinate.String(),
			Agent:         def,
			Registry:      rt.Agents,
			Conversations: rt.Conversations,
			Delegations:   rt.Delegations,
			Trigger:       trigger,
			Model:         model,
		})
		switch {
		case err == nil:
		case errors.Is(err, executor.ErrStepLimit):
			rt.log.Warn("turn hit step limit", "agent", def.Slug, "trigger", shortID(trigger.ID))
		case errors.Is(err, context.Canceled):
			rt.log.Info("turn cancelled", "agent", def.Slug)
		default:
			rt.log.Error("turn failed", "agent", def.Slug, "trigger", shortID(trigger.ID), "error", err)
		}
	}()
}

func (rt *Runtime) touch() {
	rt.lastActivity.Store(time.Now().UnixNano())
}

func (rt *Runtime) emit(name string, payload map[string]any) {
	if rt.deps.Emit != nil {
		rt.deps.Emit(name, payload)
	}
}

// leadingMention extracts the slug from a message that starts with "@slug".
func leadingMention(content string) (string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "@") {
		return "", false
	}
	rest := content[1:]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == ':' || r == ','
	})
	if end == 0 {
		return "", false
	}
	if end < 0 {
		end = len(rest)
	}
	return rest[:end], true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
