package executor

import (
	"fmt"
	"strings"

	"github.com/tenex-chat/tenexd/internal/agents"
	"github.com/tenex-chat/tenexd/internal/conversation"
)

// phaseGuidance is appended to the system prompt so agents bias their
// behavior toward the conversation's current phase.
var phaseGuidance = map[conversation.Phase]string{
	conversation.PhaseChat:         "Free-form discussion. Answer directly; no process overhead.",
	conversation.PhaseBrainstorm:   "Generate and weigh options. Breadth over depth; do not commit to an approach yet.",
	conversation.PhasePlan:         "Produce a concrete plan: steps, owners, risks. No implementation yet.",
	conversation.PhaseExecute:      "Carry out the agreed plan. Report blockers instead of silently improvising.",
	conversation.PhaseVerification: "Check the work against what was asked. Be adversarial; list gaps explicitly.",
	conversation.PhaseChores:       "Routine cleanup and follow-through tasks. Keep replies short.",
	conversation.PhaseReflection:   "Summarize what happened and what should change next time.",
}

// BuildSystemPrompt assembles the agent's system prompt: identity, role,
// instructions, phase guidance, available tools, and any notices about
// delegations that were lost to a restart.
func BuildSystemPrompt(agent *agents.Definition, phase conversation.Phase, toolNames []string, orphanNotices []string) string {
	var b strings.Builder

	name := agent.Name
	if name == "" {
		name = agent.Slug
	}
	fmt.Fprintf(&b, "You are %s (@%s), an agent in a multi-agent project coordinated over Nostr.\n", name, agent.Slug)
	if agent.IsPM {
		b.WriteString("You are the project manager: you route work, manage conversation phases, and own delegation.\n")
	}
	if agent.Role != "" {
		fmt.Fprintf(&b, "\nRole: %s\n", agent.Role)
	}
	if agent.Instructions != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(agent.Instructions))
		b.WriteString("\n")
	}

	if phase != "" {
		fmt.Fprintf(&b, "\nCurrent phase: %s.", phase)
		if g, ok := phaseGuidance[phase]; ok {
			b.WriteString(" " + g)
		}
		b.WriteString("\n")
	}

	allowed := make([]string, 0, len(toolNames))
	for _, n := range toolNames {
		if agent.AllowsTool(n) {
			allowed = append(allowed, n)
		}
	}
	if len(allowed) > 0 {
		fmt.Fprintf(&b, "\nAvailable tools: %s.\n", strings.Join(allowed, ", "))
		b.WriteString("Use delegate to hand work to other agents; never delegate to yourself. Call complete when your work on the current message is done.\n")
	}

	if len(orphanNotices) > 0 {
		b.WriteString("\nWhile the daemon was offline, these delegations you issued lost their tracking and will not resolve:\n")
		for _, n := range orphanNotices {
			fmt.Fprintf(&b, "  - %s\n", n)
		}
		b.WriteString("Re-issue them if the work still matters.\n")
	}

	b.WriteString("\nMessages from other participants appear as user messages prefixed with their identity. Reply in plain text.\n")
	return b.String()
}
