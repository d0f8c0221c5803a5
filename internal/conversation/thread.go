package conversation

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// ThreadFor derives the message sequence the viewer agent sees when it wakes
// on the given event: the ancestor chain root→event, with sibling subtrees
// spliced in where the viewer is addressed or participated. pendingDelegation
// reports whether an event is a delegation request that is still awaiting
// replies; such messages survive pruning. completions are delegation result
// summaries the viewer has not consumed yet; they are appended after the
// thread so they are never pruned away.
func (c *Coordinator) ThreadFor(eventID, viewer string, pendingDelegation func(string) bool, completions []string) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rootID, ok := c.byEvent[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s not in any conversation", eventID)
	}
	conv := c.byRoot[rootID]

	path := conv.ancestors(eventID)
	onPath := make(map[string]bool, len(path))
	for _, id := range path {
		onPath[id] = true
	}

	var ids []string
	for _, id := range path {
		ids = append(ids, id)
		// Splice sibling subtrees the viewer is involved in, after their
		// branch point.
		for _, child := range conv.children[id] {
			if onPath[child] {
				continue
			}
			sub := conv.subtree(child)
			if !viewerInvolved(conv, sub, viewer) {
				continue
			}
			ids = append(ids, sub...)
		}
	}

	msgs := make([]Message, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		msgs = append(msgs, c.toMessage(conv.events[id], viewer))
	}

	if c.maxTokens > 0 {
		msgs = c.prune(msgs, viewer, pendingDelegation)
	}
	for _, note := range completions {
		msgs = append(msgs, Message{Role: RoleSystem, Content: note})
	}
	return msgs, nil
}

func (c *Coordinator) toMessage(ev *nostr.Event, viewer string) Message {
	role := RoleUser
	if ev.PubKey == viewer {
		role = RoleAssistant
	}
	return Message{
		Role:      role,
		Content:   ev.Content,
		Author:    ev.PubKey,
		EventID:   ev.ID,
		CreatedAt: ev.CreatedAt.Time(),
	}
}

// viewerInvolved reports whether the viewer authored or is p-tagged anywhere
// in the subtree.
func viewerInvolved(conv *Conversation, subtree []string, viewer string) bool {
	for _, id := range subtree {
		ev := conv.events[id]
		if ev.PubKey == viewer {
			return true
		}
		for _, pk := range addressedPubkeys(ev) {
			if pk == viewer {
				return true
			}
		}
	}
	return false
}
