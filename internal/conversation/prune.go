package conversation

import (
	"fmt"
	"strings"
)

// prune collapses older prefix messages into one system summary when the
// thread exceeds the token budget. Always preserved: the root, the most
// recent recentTurns messages, anything the viewer authored, and any message
// whose delegation is still pending.
func (c *Coordinator) prune(msgs []Message, viewer string, pendingDelegation func(string) bool) []Message {
	if c.counter.CountThread(msgs) <= c.maxTokens || len(msgs) <= 2 {
		return msgs
	}

	keep := make([]bool, len(msgs))
	keep[0] = true // root
	for i := len(msgs) - c.recentTurns; i < len(msgs); i++ {
		if i >= 0 {
			keep[i] = true
		}
	}
	for i, m := range msgs {
		if m.Author == viewer {
			keep[i] = true
		}
		if pendingDelegation != nil && m.EventID != "" && pendingDelegation(m.EventID) {
			keep[i] = true
		}
	}

	var dropped []Message
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if keep[i] {
			out = append(out, m)
			continue
		}
		dropped = append(dropped, m)
	}
	if len(dropped) == 0 {
		return msgs
	}

	summary := Message{
		Role:    RoleSystem,
		Content: summarizeDropped(dropped),
	}
	// Summary goes right after the root.
	final := make([]Message, 0, len(out)+1)
	final = append(final, out[0], summary)
	final = append(final, out[1:]...)
	return final
}

// summarizeDropped produces a compact system note standing in for elided
// turns. It is deliberately extractive: first line of each turn, capped.
func summarizeDropped(dropped []Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d earlier messages elided]\n", len(dropped))
	const maxLines = 12
	for i, m := range dropped {
		if i >= maxLines {
			fmt.Fprintf(&b, "… and %d more\n", len(dropped)-maxLines)
			break
		}
		line := m.Content
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = line[:idx]
		}
		if len(line) > 120 {
			line = line[:120] + "…"
		}
		fmt.Fprintf(&b, "- %s: %s\n", shortID(m.Author), line)
	}
	return b.String()
}
