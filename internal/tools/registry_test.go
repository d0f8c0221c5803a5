package tools

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/internal/agents"
	"github.com/tenex-chat/tenexd/internal/conversation"
	"github.com/tenex-chat/tenexd/internal/delegation"
	"github.com/tenex-chat/tenexd/pkg/protocol"
)

const (
	pmPK    = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	coderPK = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// fakePublisher records delegation requests and hands out sequential IDs.
type fakePublisher struct {
	mu       sync.Mutex
	requests []fakeRequest
}

type fakeRequest struct {
	Recipients []string
	Content    string
	Phase      string
	EventID    string
}

func (f *fakePublisher) PublishDelegationRequest(ctx context.Context, ec *ExecContext, recipients []string, content, phase string, register func(string) error) (string, error) {
	f.mu.Lock()
	id := "req-" + string(rune('1'+len(f.requests)))
	f.mu.Unlock()
	if register != nil {
		if err := register(id); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, fakeRequest{
		Recipients: append([]string(nil), recipients...),
		Content:    content,
		Phase:      phase,
		EventID:    id,
	})
	return id, nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixture struct {
	registry *Registry
	ec       *ExecContext
	pub      *fakePublisher
}

func newFixture(t *testing.T, agent *agents.Definition) *fixture {
	t.Helper()

	global, err := agents.OpenGlobalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(global.Close)
	pm := &agents.Definition{Pubkey: pmPK, Slug: "pm", IsPM: true}
	coder := &agents.Definition{Pubkey: coderPK, Slug: "coder"}
	for _, d := range []*agents.Definition{pm, coder} {
		if err := global.Put(d); err != nil {
			t.Fatal(err)
		}
	}
	reg, err := agents.NewRegistry(global, []string{pmPK, coderPK})
	if err != nil {
		t.Fatal(err)
	}

	conv, err := conversation.NewCoordinator(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	trigger := &nostr.Event{
		ID:        "root1",
		Kind:      protocol.KindConversationRoot,
		PubKey:    "9999999999999999999999999999999999999999999999999999999999999999",
		Content:   "do the thing",
		CreatedAt: nostr.Now(),
	}
	if _, _, err := conv.Ingest(trigger); err != nil {
		t.Fatal(err)
	}

	deleg, err := delegation.Open(t.TempDir(), time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	Builtins(r)
	pub := &fakePublisher{}

	if agent == nil {
		agent = pm
	}
	return &fixture{
		registry: r,
		pub:      pub,
		ec: &ExecContext{
			ProjectID:      "31933:" + pmPK + ":demo",
			Agent:          agent,
			AgentRegistry:  reg,
			ConversationID: "root1",
			TriggerEvent:   trigger,
			Conversations:  conv,
			Delegations:    deleg,
			Publisher:      pub,
		},
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	f := newFixture(t, nil)
	res := f.registry.Execute(context.Background(), "no_such_tool", nil, f.ec)
	if !res.IsError {
		t.Fatal("unknown tool must yield an error result")
	}
}

func TestExecuteSchemaValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing prompt", map[string]any{"recipients": []string{"coder"}}},
		{"missing recipients", map[string]any{"prompt": "go"}},
		{"empty recipients", map[string]any{"recipients": []string{}, "prompt": "go"}},
		{"extra property", map[string]any{"recipients": []string{"coder"}, "prompt": "go", "bogus": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.registry.Execute(context.Background(), "delegate", tt.args, f.ec)
			if !res.IsError {
				t.Error("schema violation must yield an error result")
			}
			if !strings.Contains(res.ForLLM, "invalid arguments") {
				t.Errorf("result should name the validation failure: %q", res.ForLLM)
			}
		})
	}
	if f.pub.count() != 0 {
		t.Error("no request may be published for invalid arguments")
	}
}

func TestExecuteAllowList(t *testing.T) {
	restricted := &agents.Definition{Pubkey: pmPK, Slug: "pm", IsPM: true, Tools: []string{"complete"}}
	f := newFixture(t, restricted)
	res := f.registry.Execute(context.Background(), "delegate",
		map[string]any{"recipients": []string{"coder"}, "prompt": "go"}, f.ec)
	if !res.IsError || !strings.Contains(res.ForLLM, "allow-list") {
		t.Errorf("allow-list violation expected, got %+v", res)
	}
}

func TestSelfDelegationRejected(t *testing.T) {
	f := newFixture(t, nil) // agent is the PM
	for _, recipient := range []string{"pm", "@pm", pmPK} {
		res := f.registry.Execute(context.Background(), "delegate",
			map[string]any{"recipients": []any{recipient}, "prompt": "do it"}, f.ec)
		if !res.IsError {
			t.Errorf("self-delegation via %q must fail", recipient)
		}
		if res.StopExecution {
			t.Error("self-delegation error must not end the turn")
		}
	}
	if f.pub.count() != 0 {
		t.Error("no request event may be published for a rejected self-delegation")
	}
}

func TestDelegateRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	// Feed the recipient's reply once the request is registered.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if f.ec.Delegations.IsPendingRequest("req-1") {
				f.ec.Delegations.OnReply(&nostr.Event{
					ID:        "done1",
					PubKey:    coderPK,
					Content:   "implemented the thing",
					CreatedAt: nostr.Now(),
					Tags:      nostr.Tags{{protocol.TagDelegation, "req-1"}},
				})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := f.registry.Execute(context.Background(), "delegate",
		map[string]any{"recipients": []any{"coder"}, "prompt": "implement it", "timeout_ms": float64(2000)}, f.ec)
	if res.IsError {
		t.Fatalf("delegate failed: %s", res.ForLLM)
	}
	if res.StopExecution {
		t.Error("delegate must resume the turn with results, not end it")
	}
	if !strings.Contains(res.ForLLM, "implemented the thing") {
		t.Errorf("result must carry the recipient reply: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "coder") {
		t.Errorf("result should name the recipient by slug: %q", res.ForLLM)
	}
	if f.pub.count() != 1 {
		t.Fatalf("requests published = %d, want 1", f.pub.count())
	}
}

func TestDelegateExternalRequiresPubkey(t *testing.T) {
	f := newFixture(t, nil)
	res := f.registry.Execute(context.Background(), "delegate_external",
		map[string]any{"recipients": []any{"coder"}, "prompt": "go"}, f.ec)
	if !res.IsError {
		t.Error("slug recipients must be rejected for external delegation")
	}
}

func TestCompleteStopsExecution(t *testing.T) {
	f := newFixture(t, nil)
	res := f.registry.Execute(context.Background(), "complete",
		map[string]any{"summary": "all done"}, f.ec)
	if res.IsError || !res.StopExecution {
		t.Fatalf("complete must stop the turn cleanly: %+v", res)
	}
	if !strings.Contains(res.ForLLM, "all done") {
		t.Errorf("summary must survive: %q", res.ForLLM)
	}
}

func TestSwitchPhasePMOnly(t *testing.T) {
	coder := &agents.Definition{Pubkey: coderPK, Slug: "coder"}
	f := newFixture(t, coder)
	res := f.registry.Execute(context.Background(), "switch_phase",
		map[string]any{"phase": "plan"}, f.ec)
	if !res.IsError {
		t.Error("non-PM agents must not switch phase")
	}

	f2 := newFixture(t, nil)
	res = f2.registry.Execute(context.Background(), "switch_phase",
		map[string]any{"phase": "plan", "reason": "time to plan"}, f2.ec)
	if res.IsError {
		t.Fatalf("PM phase switch failed: %s", res.ForLLM)
	}
	if got := f2.ec.Conversations.Phase("root1"); got != conversation.PhasePlan {
		t.Errorf("phase = %s, want PLAN", got)
	}
}

func TestDelegatePhaseSelfHandoff(t *testing.T) {
	f := newFixture(t, nil)
	res := f.registry.Execute(context.Background(), "delegate_phase",
		map[string]any{"phase": "execute", "prompt": "start building"}, f.ec)
	if res.IsError {
		t.Fatalf("delegate_phase failed: %s", res.ForLLM)
	}
	if !res.StopExecution {
		t.Error("phase handoff must end the current turn")
	}
	if got := f.ec.Conversations.Phase("root1"); got != conversation.PhaseExecute {
		t.Errorf("phase = %s, want EXECUTE", got)
	}
	if f.pub.count() != 1 {
		t.Errorf("handoff must publish one request, got %d", f.pub.count())
	}
	if f.pub.requests[0].Phase != "EXECUTE" {
		t.Errorf("request phase = %q", f.pub.requests[0].Phase)
	}
}

func TestDefsHonorAllowList(t *testing.T) {
	f := newFixture(t, nil)
	restricted := &agents.Definition{Pubkey: coderPK, Slug: "coder", Tools: []string{"complete", "delegate"}}
	defs := f.registry.Defs(restricted)
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	if !names["complete"] || !names["delegate"] {
		t.Errorf("unexpected defs: %v", names)
	}
}
