package project

import (
	"fmt"
	"path/filepath"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// Context is the static view of one project: its coordinate, display title,
// ordered agent membership, and state directory.
type Context struct {
	Coordinate Coordinate
	Title      string
	Slug       string
	Agents     []string // agent pubkeys in project order
	Dir        string
}

// ContextFromEvent builds a project context from a project definition event.
// The d tag is the slug, ordered agent tags list the members.
func ContextFromEvent(ev *nostr.Event, projectsDir string) (*Context, error) {
	if ev.Kind != protocol.KindProject {
		return nil, fmt.Errorf("project: event %s has kind %d, want %d", ev.ID, ev.Kind, protocol.KindProject)
	}
	coord, ok := CoordinateOf(ev)
	if !ok {
		return nil, fmt.Errorf("project: event %s has no d tag", ev.ID)
	}

	pc := &Context{
		Coordinate: coord,
		Slug:       coord.Identifier,
		Title:      firstTagValue(ev, "title"),
		Dir:        filepath.Join(projectsDir, coord.Identifier),
	}
	if pc.Title == "" {
		pc.Title = pc.Slug
	}
	pc.Agents = AgentTags(ev)
	if len(pc.Agents) == 0 {
		return nil, fmt.Errorf("project %s: no agent tags", pc.Slug)
	}
	return pc, nil
}

// AgentTags returns the ordered agent pubkeys referenced by a project event.
func AgentTags(ev *nostr.Event) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == protocol.TagAgent && len(tag[1]) == 64 {
			out = append(out, tag[1])
		}
	}
	return out
}
