package agents

import (
	"errors"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

func pk(c byte) string {
	return strings.Repeat(string(c), 64)
}

func testStore(t *testing.T, defs ...*Definition) *GlobalStore {
	t.Helper()
	g, err := OpenGlobalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Close)
	for _, d := range defs {
		if err := g.Put(d); err != nil {
			t.Fatal(err)
		}
	}
	return g
}

func TestPMSelection(t *testing.T) {
	tests := []struct {
		name    string
		defs    []*Definition
		wantPM  string
		wantErr error
	}{
		{
			name: "single is_pm wins regardless of order",
			defs: []*Definition{
				{Pubkey: pk('a'), Slug: "coder"},
				{Pubkey: pk('b'), Slug: "pm", IsPM: true},
			},
			wantPM: pk('b'),
		},
		{
			name: "no claim falls back to first in project order",
			defs: []*Definition{
				{Pubkey: pk('a'), Slug: "coder"},
				{Pubkey: pk('b'), Slug: "tester"},
			},
			wantPM: pk('a'),
		},
		{
			name: "two claims fail the load",
			defs: []*Definition{
				{Pubkey: pk('a'), Slug: "one", IsPM: true},
				{Pubkey: pk('b'), Slug: "two", IsPM: true},
			},
			wantErr: ErrAmbiguousPM,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testStore(t, tt.defs...)
			ordered := make([]string, len(tt.defs))
			for i, d := range tt.defs {
				ordered[i] = d.Pubkey
			}
			r, err := NewRegistry(g, ordered)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if r.PM() != tt.wantPM {
				t.Errorf("PM = %s, want %s", r.PM()[:8], tt.wantPM[:8])
			}
		})
	}
}

func TestRegistryMissingAgent(t *testing.T) {
	g := testStore(t, &Definition{Pubkey: pk('a'), Slug: "coder"})
	_, err := NewRegistry(g, []string{pk('a'), pk('f')})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
}

func TestRefreshKeepsPreviousOnError(t *testing.T) {
	g := testStore(t,
		&Definition{Pubkey: pk('a'), Slug: "coder"},
		&Definition{Pubkey: pk('b'), Slug: "tester"},
	)
	r, err := NewRegistry(g, []string{pk('a')})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Refresh([]string{pk('f')}); err == nil {
		t.Fatal("refresh with unknown agent must fail")
	}
	if !r.Has(pk('a')) {
		t.Error("failed refresh must keep the previous membership")
	}
	if err := r.Refresh([]string{pk('a'), pk('b')}); err != nil {
		t.Fatal(err)
	}
	if !r.Has(pk('b')) {
		t.Error("successful refresh must apply")
	}
}

func TestResolve(t *testing.T) {
	g := testStore(t, &Definition{Pubkey: pk('a'), Slug: "coder"})
	r, err := NewRegistry(g, []string{pk('a')})
	if err != nil {
		t.Fatal(err)
	}

	npub, err := nip19.EncodePublicKey(pk('b'))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		input string
		want  string
		fails bool
	}{
		{"slug", "coder", pk('a'), false},
		{"at-prefixed slug", "@coder", pk('a'), false},
		{"hex pubkey passes through", pk('b'), pk('b'), false},
		{"uppercase hex lowered", strings.ToUpper(pk('b')), pk('b'), false},
		{"npub decodes", npub, pk('b'), false},
		{"unknown slug", "nobody", "", true},
		{"empty", "", "", true},
		{"bad npub", "npub1notvalid", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.input)
			if tt.fails {
				if !errors.Is(err, ErrUnknownRecipient) {
					t.Fatalf("err = %v, want ErrUnknownRecipient", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %s, want %s", tt.input, got[:8], tt.want[:8])
			}
		})
	}
}

func TestResolveAllDedupes(t *testing.T) {
	g := testStore(t, &Definition{Pubkey: pk('a'), Slug: "coder"})
	r, err := NewRegistry(g, []string{pk('a')})
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.ResolveAll([]string{"coder", "@coder", pk('a')})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != pk('a') {
		t.Errorf("ResolveAll = %v, want single entry", got)
	}
}

func TestDefinitionFromEvent(t *testing.T) {
	ev := &nostr.Event{
		Kind:    31970,
		PubKey:  pk('c'),
		Content: "You review all changes before merge.",
		Tags: nostr.Tags{
			{"d", "reviewer"},
			{"name", "Reviewer"},
			{"role", "code review"},
			{"model", "test-model"},
			{"tool", "delegate"},
			{"tool", "complete"},
		},
	}
	def, err := DefinitionFromEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	if def.Slug != "reviewer" || def.Pubkey != pk('c') {
		t.Errorf("slug/pubkey = %s/%s", def.Slug, def.Pubkey[:8])
	}
	if def.Instructions != ev.Content {
		t.Error("content must become instructions")
	}
	if len(def.Tools) != 2 || !def.AllowsTool("delegate") || def.AllowsTool("switch_phase") {
		t.Errorf("tool allow-list = %v", def.Tools)
	}

	if _, err := DefinitionFromEvent(&nostr.Event{Kind: 31970, PubKey: pk('c')}); err == nil {
		t.Error("definition without d tag must fail validation")
	}
}

func TestAllowsTool(t *testing.T) {
	open := &Definition{Pubkey: pk('a'), Slug: "x"}
	if !open.AllowsTool("anything") {
		t.Error("nil list must allow all tools")
	}
	closed := &Definition{Pubkey: pk('a'), Slug: "x", Tools: []string{}}
	if closed.AllowsTool("anything") {
		t.Error("empty (non-nil) list must deny")
	}
}
