package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/tenex-chat/tenexd/internal/conversation"
	"github.com/tenex-chat/tenexd/internal/delegation"
)

// SwitchPhaseTool moves the conversation to a new phase. Only the project
// manager may mutate phase; other agents read it to pick their tools.
type SwitchPhaseTool struct{}

func (t *SwitchPhaseTool) Name() string { return "switch_phase" }

func (t *SwitchPhaseTool) Description() string {
	return "Switch the conversation to a new phase. Valid phases: " + phaseList() + ". PM only."
}

func (t *SwitchPhaseTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"phase": map[string]any{
				"type":        "string",
				"description": "Target phase",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the phase is changing",
			},
		},
		"required":             []any{"phase"},
		"additionalProperties": false,
	}
}

func (t *SwitchPhaseTool) Execute(ctx context.Context, args map[string]any, ec *ExecContext) *Result {
	if ec.Agent.Pubkey != ec.AgentRegistry.PM() {
		return Errorf("only the project manager can switch phase")
	}
	raw, _ := args["phase"].(string)
	phase, err := conversation.ParsePhase(strings.ToUpper(raw))
	if err != nil {
		return Errorf("%v; valid phases: %s", err, phaseList())
	}
	reason, _ := args["reason"].(string)
	if err := ec.Conversations.SetPhase(ec.ConversationID, phase, reason); err != nil {
		return Errorf("phase switch failed: %v", err)
	}
	return NewResult(fmt.Sprintf("Phase is now %s.", phase))
}

// DelegatePhaseTool switches phase and hands the conversation to an agent in
// that phase, including the caller itself. This is the one sanctioned form of
// self-delegation.
type DelegatePhaseTool struct{}

func (t *DelegatePhaseTool) Name() string { return "delegate_phase" }

func (t *DelegatePhaseTool) Description() string {
	return "Switch the conversation phase and delegate the next step to an agent (yourself included) " +
		"in that phase. Ends your current turn."
}

func (t *DelegatePhaseTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"phase": map[string]any{
				"type": "string",
			},
			"recipient": map[string]any{
				"type":        "string",
				"description": "Agent to continue in the new phase; defaults to yourself",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Instructions for the new phase",
			},
		},
		"required":             []any{"phase"},
		"additionalProperties": false,
	}
}

func (t *DelegatePhaseTool) Execute(ctx context.Context, args map[string]any, ec *ExecContext) *Result {
	if ec.Agent.Pubkey != ec.AgentRegistry.PM() {
		return Errorf("only the project manager can switch phase")
	}
	raw, _ := args["phase"].(string)
	phase, err := conversation.ParsePhase(strings.ToUpper(raw))
	if err != nil {
		return Errorf("%v; valid phases: %s", err, phaseList())
	}

	recipient := ec.Agent.Pubkey
	if rec, _ := args["recipient"].(string); rec != "" {
		recipient, err = ec.AgentRegistry.Resolve(rec)
		if err != nil {
			return Errorf("cannot resolve recipient: %v", err)
		}
	}

	reason, _ := args["prompt"].(string)
	if err := ec.Conversations.SetPhase(ec.ConversationID, phase, reason); err != nil {
		return Errorf("phase switch failed: %v", err)
	}

	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		prompt = fmt.Sprintf("Continue this conversation in the %s phase.", phase)
	}
	_, err = ec.Publisher.PublishDelegationRequest(ctx, ec, []string{recipient}, prompt, string(phase), func(eventID string) error {
		_, rerr := ec.Delegations.Register(delegation.Spec{
			Delegator:      ec.Agent.Pubkey,
			Recipients:     []string{recipient},
			ConversationID: ec.ConversationID,
			RequestEventID: eventID,
			Phase:          string(phase),
		})
		return rerr
	})
	if err != nil {
		return Errorf("failed to publish phase handoff: %v", err)
	}
	return StopResult(fmt.Sprintf("Phase is now %s; handed off to %s.", phase, short(recipient)))
}

func phaseList() string {
	names := make([]string, 0, len(conversation.Phases()))
	for _, p := range conversation.Phases() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}
