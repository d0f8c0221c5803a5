package project

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/internal/agents"
	"github.com/tenex-chat/tenexd/internal/config"
	"github.com/tenex-chat/tenexd/internal/executor"
	"github.com/tenex-chat/tenexd/internal/llm"
	"github.com/tenex-chat/tenexd/internal/relay"
	"github.com/tenex-chat/tenexd/internal/tools"
	"github.com/tenex-chat/tenexd/pkg/protocol"
)

const (
	pmPK    = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	coderPK = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	userPK  = "9999999999999999999999999999999999999999999999999999999999999999"
)

// recordingClient accepts all publishes so executor turns complete offline.
type recordingClient struct {
	mu     sync.Mutex
	events []*nostr.Event
}

func (c *recordingClient) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	ch := make(chan *nostr.Event)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (c *recordingClient) Publish(ctx context.Context, ev *nostr.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *ev
	c.events = append(c.events, &cp)
	return nil
}

func (c *recordingClient) Close() {}

func (c *recordingClient) kindCount(kind int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type runtimeFixture struct {
	rt       *Runtime
	client   *recordingClient
	provider *llm.ScriptedProvider
}

func newRuntimeFixture(t *testing.T, provider *llm.ScriptedProvider, cfg *config.Config) *runtimeFixture {
	t.Helper()

	global, err := agents.OpenGlobalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(global.Close)
	for _, d := range []*agents.Definition{
		{Pubkey: pmPK, Slug: "pm", IsPM: true},
		{Pubkey: coderPK, Slug: "coder"},
	} {
		if err := global.Put(d); err != nil {
			t.Fatal(err)
		}
	}

	signer, err := relay.NewSigner(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatal(err)
	}
	client := &recordingClient{}
	relayPub := relay.NewPublisher(client)
	t.Cleanup(relayPub.Close)

	registry := tools.NewRegistry()
	tools.Builtins(registry)

	exec := &executor.Executor{
		Provider:  provider,
		Tools:     registry,
		Publisher: executor.NewPublisher(relayPub, signer),
		MaxSteps:  5,
	}

	if cfg == nil {
		cfg = config.Default()
	}
	pctx := &Context{
		Coordinate: Coordinate{Kind: protocol.KindProject, Pubkey: pmPK, Identifier: "demo"},
		Slug:       "demo",
		Agents:     []string{pmPK, coderPK},
		Dir:        filepath.Join(t.TempDir(), "demo"),
	}
	rt, err := NewRuntime(pctx, Deps{
		Config: cfg,
		Global: global,
		Exec:   exec,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &runtimeFixture{rt: rt, client: client, provider: provider}
}

func rootEvent(id, author, content string) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		Kind:      protocol.KindConversationRoot,
		PubKey:    author,
		Content:   content,
		CreatedAt: nostr.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRootWakesProjectManager(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.Text("on it"))
	f := newRuntimeFixture(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.rt.Start(ctx)
	defer f.rt.Shutdown(time.Second)

	f.rt.Enqueue(rootEvent("root1", userPK, "please summarize the backlog"))

	waitFor(t, func() bool {
		return f.client.kindCount(protocol.KindConversationReply) >= 1
	}, "PM turn never published a reply")

	if provider.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.Calls())
	}
	if sys := provider.Requests[0].System; !strings.Contains(sys, "@pm") {
		t.Errorf("PM must have taken the turn, system prompt: %q", sys)
	}
}

func TestLeadingMentionTargetsAgent(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.Text("sure"))
	f := newRuntimeFixture(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.rt.Start(ctx)
	defer f.rt.Shutdown(time.Second)

	f.rt.Enqueue(rootEvent("root1", userPK, "@coder fix the flaky test"))

	waitFor(t, func() bool { return provider.Calls() >= 1 }, "no turn ran")
	if sys := provider.Requests[0].System; !strings.Contains(sys, "@coder") {
		t.Errorf("mention must route past the PM, system prompt: %q", sys)
	}
}

func TestReplyWakesAddressedAgentsOnly(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.Text("ack"))
	f := newRuntimeFixture(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.rt.Start(ctx)
	defer f.rt.Shutdown(time.Second)

	// Root authored by the PM itself: no turn spawns.
	f.rt.Enqueue(rootEvent("root1", pmPK, "status thread"))

	reply := &nostr.Event{
		ID:        "reply1",
		Kind:      protocol.KindConversationReply,
		PubKey:    userPK,
		Content:   "coder, take a look",
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{protocol.TagReply, "root1"},
			{protocol.TagRecipient, coderPK},
			{protocol.TagRecipient, userPK}, // not a project agent
		},
	}
	f.rt.Enqueue(reply)

	waitFor(t, func() bool { return provider.Calls() >= 1 }, "addressed agent never woke")
	time.Sleep(50 * time.Millisecond)
	if provider.Calls() != 1 {
		t.Errorf("calls = %d, only the addressed project agent may wake", provider.Calls())
	}
	if sys := provider.Requests[0].System; !strings.Contains(sys, "@coder") {
		t.Errorf("wrong agent woke: %q", sys)
	}
}

func TestIdleAfterQuietPeriod(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.Text("done"))
	cfg := config.Default()
	cfg.Runtime.IdleTimeoutMs = 1
	f := newRuntimeFixture(t, provider, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.rt.Start(ctx)
	defer f.rt.Shutdown(time.Second)

	f.rt.Enqueue(rootEvent("root1", userPK, "quick question"))
	waitFor(t, func() bool {
		return f.client.kindCount(protocol.KindConversationReply) >= 1
	}, "turn never finished")

	waitFor(t, func() bool {
		return f.rt.Idle(time.Now())
	}, "runtime never reported idle")
}

func TestMetadataRefreshKeepsPreviousOnError(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.Text("x"))
	f := newRuntimeFixture(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.rt.Start(ctx)
	defer f.rt.Shutdown(time.Second)

	// Membership update referencing an unknown agent keeps the old registry.
	unknown := strings.Repeat("f", 64)
	update := &nostr.Event{
		ID:        "proj2",
		Kind:      protocol.KindProject,
		PubKey:    pmPK,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{protocol.TagIdentifier, "demo"},
			{protocol.TagAgent, unknown},
		},
	}
	f.rt.Enqueue(update)

	waitFor(t, func() bool { return f.rt.queue.Len() == 0 }, "update never processed")
	time.Sleep(20 * time.Millisecond)
	if !f.rt.Agents.Has(pmPK) || !f.rt.Agents.Has(coderPK) {
		t.Error("failed refresh must keep the previous membership")
	}
	if f.rt.Agents.Has(unknown) {
		t.Error("unknown agent must not join on a failed refresh")
	}
}
