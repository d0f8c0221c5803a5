package conversation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/internal/store"
)

// Coordinator owns every conversation of one project. It is single-writer:
// only the owning runtime mutates it.
type Coordinator struct {
	dir string // {project_dir}/conversations

	mu      sync.RWMutex
	byRoot  map[string]*Conversation
	byEvent map[string]string // event ID → root ID

	counter     *TokenCounter
	maxTokens   int
	recentTurns int
}

// NewCoordinator loads existing conversation trees from
// {projectDir}/conversations. maxTokens bounds a derived thread before
// pruning kicks in.
func NewCoordinator(projectDir string, maxTokens int) (*Coordinator, error) {
	dir := filepath.Join(projectDir, "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	c := &Coordinator{
		dir:         dir,
		byRoot:      make(map[string]*Conversation),
		byEvent:     make(map[string]string),
		counter:     NewTokenCounter(),
		maxTokens:   maxTokens,
		recentTurns: 20,
	}
	if err := c.loadAll(); err != nil {
		return nil, err
	}
	return c, nil
}

// Ingest inserts an event into its conversation tree, creating the
// conversation when the event carries no reply link. Idempotent on event ID.
// Returns the conversation and whether this event started it.
func (c *Coordinator) Ingest(ev *nostr.Event) (*Conversation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rootID, ok := c.byEvent[ev.ID]; ok {
		return c.byRoot[rootID], false, nil
	}

	parentID, rootID := replyTarget(ev)
	if parentID == "" {
		conv := newConversation(ev)
		c.byRoot[ev.ID] = conv
		c.byEvent[ev.ID] = ev.ID
		c.persistLocked(conv)
		return conv, true, nil
	}

	// Locate the tree: direct parent first, then the E root hint.
	targetRoot, ok := c.byEvent[parentID]
	if !ok && rootID != "" {
		targetRoot, ok = c.byEvent[rootID]
	}
	if !ok {
		// Reply to a thread we never saw; adopt it as a new root so the
		// conversation is not lost.
		slog.Warn("conversation: reply to unknown thread, adopting as root",
			"event", ev.ID, "reply_to", parentID)
		conv := newConversation(ev)
		c.byRoot[ev.ID] = conv
		c.byEvent[ev.ID] = ev.ID
		c.persistLocked(conv)
		return conv, true, nil
	}

	conv := c.byRoot[targetRoot]
	attachTo := parentID
	if !conv.Has(attachTo) {
		attachTo = conv.RootID
	}
	conv.insert(ev, attachTo)
	c.byEvent[ev.ID] = conv.RootID
	c.persistLocked(conv)
	return conv, false, nil
}

// Get returns the conversation rooted at rootID.
func (c *Coordinator) Get(rootID string) (*Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.byRoot[rootID]
	return conv, ok
}

// FindByEvent returns the conversation containing an event ID.
func (c *Coordinator) FindByEvent(eventID string) (*Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rootID, ok := c.byEvent[eventID]
	if !ok {
		return nil, false
	}
	return c.byRoot[rootID], true
}

// Phase returns the conversation's current phase.
func (c *Coordinator) Phase(rootID string) Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if conv, ok := c.byRoot[rootID]; ok {
		return conv.Phase
	}
	return PhaseChat
}

// SetPhase records a phase transition. The change is persisted immediately
// and stamped on the next outbound reply by the executor.
func (c *Coordinator) SetPhase(rootID string, phase Phase, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.byRoot[rootID]
	if !ok {
		return fmt.Errorf("unknown conversation %s", rootID)
	}
	if !phases[phase] {
		return fmt.Errorf("unknown phase %q", phase)
	}
	conv.Phase = phase
	conv.PhaseReason = reason
	c.persistLocked(conv)
	slog.Info("conversation: phase changed", "root", shortID(rootID), "phase", phase, "reason", reason)
	return nil
}

// Roots lists all conversation root IDs.
func (c *Coordinator) Roots() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byRoot))
	for id := range c.byRoot {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) loadAll() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read conversations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("conversation: unreadable file", "file", e.Name(), "error", err)
			continue
		}
		conv, err := unmarshalConversation(data)
		if err != nil {
			if q, qerr := store.Quarantine(path); qerr == nil {
				slog.Error("conversation: corrupt file quarantined", "file", e.Name(), "quarantined", q, "error", err)
			} else {
				slog.Error("conversation: corrupt file", "file", e.Name(), "error", err)
			}
			continue
		}
		c.byRoot[conv.RootID] = conv
		for id := range conv.events {
			c.byEvent[id] = conv.RootID
		}
	}
	if n := len(c.byRoot); n > 0 {
		slog.Info("conversation: trees loaded", "count", n)
	}
	return nil
}

func (c *Coordinator) persistLocked(conv *Conversation) {
	data, err := conv.marshal()
	if err != nil {
		slog.Error("conversation: marshal failed", "root", shortID(conv.RootID), "error", err)
		return
	}
	path := filepath.Join(c.dir, conv.RootID+".json")
	if err := store.WriteFileAtomic(path, data); err != nil {
		slog.Error("conversation: persist failed", "root", shortID(conv.RootID), "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
