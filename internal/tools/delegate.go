package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tenex-chat/tenexd/internal/delegation"
)

// DelegateTool sends a task to one or more other agents and suspends the
// calling turn until all of them reply (or the timeout fires).
type DelegateTool struct{}

func (t *DelegateTool) Name() string { return "delegate" }

func (t *DelegateTool) Description() string {
	return "Delegate a task to one or more agents in this project and wait for their replies. " +
		"Recipients are agent slugs or pubkeys. You cannot delegate to yourself."
}

func (t *DelegateTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"recipients": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"minItems":    1,
				"description": "Agent slugs, npubs, or hex pubkeys to delegate to",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "The task for the recipients",
			},
			"timeout_ms": map[string]any{
				"type":        "integer",
				"description": "Optional await timeout override in milliseconds",
			},
		},
		"required":             []any{"recipients", "prompt"},
		"additionalProperties": false,
	}
}

func (t *DelegateTool) Execute(ctx context.Context, args map[string]any, ec *ExecContext) *Result {
	return runDelegation(ctx, args, ec, stringSlice(args["recipients"]))
}

// DelegateExternalTool delegates to an agent outside this project, addressed
// by explicit pubkey.
type DelegateExternalTool struct{}

func (t *DelegateExternalTool) Name() string { return "delegate_external" }

func (t *DelegateExternalTool) Description() string {
	return "Delegate a task to an agent outside this project, addressed by npub or hex pubkey, " +
		"and wait for the reply."
}

func (t *DelegateExternalTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"recipients": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"minItems":    1,
				"description": "npubs or hex pubkeys of external agents",
			},
			"prompt": map[string]any{
				"type": "string",
			},
			"timeout_ms": map[string]any{
				"type": "integer",
			},
		},
		"required":             []any{"recipients", "prompt"},
		"additionalProperties": false,
	}
}

func (t *DelegateExternalTool) Execute(ctx context.Context, args map[string]any, ec *ExecContext) *Result {
	recipients := stringSlice(args["recipients"])
	for _, r := range recipients {
		if !strings.HasPrefix(r, "npub1") && !looksHex(r) {
			return Errorf("delegate_external requires npub or hex pubkey recipients, got %q", r)
		}
	}
	return runDelegation(ctx, args, ec, recipients)
}

// DelegateFollowupTool re-engages the recipients of an earlier delegation
// with a follow-up request in the same conversation.
type DelegateFollowupTool struct{}

func (t *DelegateFollowupTool) Name() string { return "delegate_followup" }

func (t *DelegateFollowupTool) Description() string {
	return "Send a follow-up task to the recipients of a previous delegation and wait for their replies."
}

func (t *DelegateFollowupTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"delegation_id": map[string]any{
				"type":        "string",
				"description": "ID of the previous delegation",
			},
			"prompt": map[string]any{
				"type": "string",
			},
			"timeout_ms": map[string]any{
				"type": "integer",
			},
		},
		"required":             []any{"delegation_id", "prompt"},
		"additionalProperties": false,
	}
}

func (t *DelegateFollowupTool) Execute(ctx context.Context, args map[string]any, ec *ExecContext) *Result {
	id, _ := args["delegation_id"].(string)
	prev, ok := ec.Delegations.Get(id)
	if !ok {
		return Errorf("unknown delegation %q", id)
	}
	return runDelegation(ctx, args, ec, prev.Recipients)
}

// runDelegation implements the shared register → publish → await flow. The
// registration happens between signing and the relay send, so the request is
// correlatable before any recipient can see it. The self-delegation guard
// applies to all entry points except delegate_phase.
func runDelegation(ctx context.Context, args map[string]any, ec *ExecContext, rawRecipients []string) *Result {
	prompt, _ := args["prompt"].(string)

	recipients, err := ec.AgentRegistry.ResolveAll(rawRecipients)
	if err != nil {
		return Errorf("cannot resolve recipients: %v", err)
	}
	for _, pk := range recipients {
		if pk == ec.Agent.Pubkey {
			return Errorf("self-delegation rejected: %s is your own pubkey; handle the task yourself or pick another agent", short(pk))
		}
	}

	var delegationID string
	_, err = ec.Publisher.PublishDelegationRequest(ctx, ec, recipients, prompt, "", func(eventID string) error {
		id, rerr := ec.Delegations.Register(delegation.Spec{
			Delegator:      ec.Agent.Pubkey,
			Recipients:     recipients,
			ConversationID: ec.ConversationID,
			RequestEventID: eventID,
		})
		if rerr != nil {
			return rerr
		}
		delegationID = id
		return nil
	})
	if err != nil {
		if delegationID != "" {
			ec.Delegations.Abort(delegationID)
		}
		return Errorf("delegation failed: %v", err)
	}

	outcome, err := ec.Delegations.Await(ctx, delegationID, timeoutArg(args))
	if err != nil {
		return Errorf("delegation %s interrupted: %v", delegationID, err)
	}
	return NewResult(formatResults(ec, outcome))
}

func timeoutArg(args map[string]any) time.Duration {
	if v, ok := args["timeout_ms"].(float64); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return 0
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func looksHex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func short(pk string) string {
	if len(pk) > 8 {
		return pk[:8]
	}
	return pk
}

func formatResults(ec *ExecContext, outcome *delegation.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Delegation %s finished with %d result(s):\n", outcome.DelegationID, len(outcome.Results))
	for _, res := range outcome.Results {
		name := short(res.Recipient)
		if def, ok := ec.AgentRegistry.Get(res.Recipient); ok {
			name = def.Slug
		}
		fmt.Fprintf(&b, "\n--- %s (%s) ---\n", name, res.Status)
		if res.Content != "" {
			b.WriteString(res.Content)
			b.WriteString("\n")
		}
	}
	if outcome.TimedOut {
		b.WriteString("\nNote: the delegation timed out before all recipients replied.")
	}
	return b.String()
}
