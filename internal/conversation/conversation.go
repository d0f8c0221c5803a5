// Package conversation maintains per-project conversation trees and derives
// the message sequence an agent sees for a given triggering event.
package conversation

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// Conversation is a tree of immutable events rooted at the first event with
// no reply link. Relationships are kept as ID side-maps rather than
// cross-pointers so the tree serializes flatly.
type Conversation struct {
	RootID       string
	Phase        Phase
	PhaseReason  string
	Title        string
	Participants map[string]bool
	LastActivity time.Time

	events   map[string]*nostr.Event
	parent   map[string]string
	children map[string][]string
	order    []string // insertion order, root first
}

func newConversation(root *nostr.Event) *Conversation {
	c := &Conversation{
		RootID:       root.ID,
		Phase:        PhaseChat,
		Participants: make(map[string]bool),
		events:       make(map[string]*nostr.Event),
		parent:       make(map[string]string),
		children:     make(map[string][]string),
	}
	c.insert(root, "")
	return c
}

// Has reports whether the event is already part of the tree.
func (c *Conversation) Has(id string) bool {
	_, ok := c.events[id]
	return ok
}

// Event returns a node by ID.
func (c *Conversation) Event(id string) (*nostr.Event, bool) {
	ev, ok := c.events[id]
	return ev, ok
}

// Len returns the number of events in the tree.
func (c *Conversation) Len() int { return len(c.order) }

func (c *Conversation) insert(ev *nostr.Event, parentID string) {
	if _, ok := c.events[ev.ID]; ok {
		return
	}
	c.events[ev.ID] = ev
	c.order = append(c.order, ev.ID)
	if parentID != "" {
		c.parent[ev.ID] = parentID
		c.children[parentID] = append(c.children[parentID], ev.ID)
	}
	c.Participants[ev.PubKey] = true
	if at := ev.CreatedAt.Time(); at.After(c.LastActivity) {
		c.LastActivity = at
	}
}

// ancestors returns the path root→…→id, inclusive.
func (c *Conversation) ancestors(id string) []string {
	var rev []string
	for cur := id; cur != ""; cur = c.parent[cur] {
		rev = append(rev, cur)
		if cur == c.RootID {
			break
		}
	}
	path := make([]string, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, rev[i])
	}
	return path
}

// subtree returns id plus all descendants in created_at order.
func (c *Conversation) subtree(id string) []string {
	out := []string{id}
	for i := 0; i < len(out); i++ {
		out = append(out, c.children[out[i]]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return c.events[out[i]].CreatedAt < c.events[out[j]].CreatedAt
	})
	return out
}

// replyTarget extracts the parent reference of an event: lowercase e tag
// first, falling back to the E root tag.
func replyTarget(ev *nostr.Event) (parentID, rootID string) {
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case protocol.TagReply:
			if parentID == "" {
				parentID = tag[1]
			}
		case protocol.TagRoot:
			if rootID == "" {
				rootID = tag[1]
			}
		}
	}
	if parentID == "" {
		parentID = rootID
	}
	return parentID, rootID
}

// addressedPubkeys returns the p-tag recipients of an event.
func addressedPubkeys(ev *nostr.Event) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == protocol.TagRecipient {
			out = append(out, tag[1])
		}
	}
	return out
}

// snapshot is the persisted form of a conversation.
type snapshot struct {
	RootID      string        `json:"root_id"`
	Phase       Phase         `json:"phase"`
	PhaseReason string        `json:"phase_reason,omitempty"`
	Title       string        `json:"title,omitempty"`
	Events      []nostr.Event `json:"events"`
}

func (c *Conversation) marshal() ([]byte, error) {
	snap := snapshot{
		RootID:      c.RootID,
		Phase:       c.Phase,
		PhaseReason: c.PhaseReason,
		Title:       c.Title,
	}
	for _, id := range c.order {
		snap.Events = append(snap.Events, *c.events[id])
	}
	return json.MarshalIndent(snap, "", " ")
}

func unmarshalConversation(data []byte) (*Conversation, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if len(snap.Events) == 0 {
		return nil, fmt.Errorf("conversation %s has no events", snap.RootID)
	}
	root := snap.Events[0]
	c := newConversation(&root)
	for i := 1; i < len(snap.Events); i++ {
		ev := snap.Events[i]
		parentID, _ := replyTarget(&ev)
		if _, ok := c.events[parentID]; !ok {
			parentID = c.RootID
		}
		c.insert(&ev, parentID)
	}
	if snap.Phase != "" {
		c.Phase = snap.Phase
	}
	c.PhaseReason = snap.PhaseReason
	c.Title = snap.Title
	return c, nil
}
