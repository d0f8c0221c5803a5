// Package agents loads agent definitions and resolves recipients within a
// project. Definitions are stored globally keyed by pubkey; projects hold an
// ordered list of references plus a project-local slug namespace.
package agents

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/internal/store"
	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// Definition is one agent identity as persisted under
// {global_dir}/agents/{pubkey}.json.
type Definition struct {
	Pubkey       string   `json:"pubkey"`
	Slug         string   `json:"slug"`
	Name         string   `json:"name,omitempty"`
	Role         string   `json:"role,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Tools        []string `json:"tools,omitempty"` // tool allow-list; nil = all registered tools
	Model        string   `json:"model,omitempty"` // model preference; empty = route default
	IsPM         bool     `json:"is_pm,omitempty"`

	// Nsec is the agent's hex signing key. Definitions without one publish
	// through the daemon's fallback signer.
	Nsec string `json:"nsec,omitempty"`
}

// Validate checks the minimum shape needed to route to this agent.
func (d *Definition) Validate() error {
	if len(d.Pubkey) != 64 {
		return fmt.Errorf("agent definition: pubkey must be 64 hex chars, got %q", d.Pubkey)
	}
	if d.Slug == "" {
		return fmt.Errorf("agent definition %s: slug is required", d.Pubkey)
	}
	return nil
}

// AllowsTool reports whether the tool is on the agent's allow-list.
// A nil list allows everything.
func (d *Definition) AllowsTool(name string) bool {
	if d.Tools == nil {
		return true
	}
	for _, t := range d.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// DefinitionFromEvent builds a definition from an agent definition event:
// d tag slug, content instructions, tag-carried role, model, and tool
// allow-list. The event author is the agent identity; signing keys never
// travel over the wire.
func DefinitionFromEvent(ev *nostr.Event) (*Definition, error) {
	def := &Definition{
		Pubkey:       ev.PubKey,
		Instructions: ev.Content,
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case protocol.TagIdentifier:
			def.Slug = tag[1]
		case "name":
			def.Name = tag[1]
		case "role":
			def.Role = tag[1]
		case protocol.TagModel:
			def.Model = tag[1]
		case protocol.TagTool:
			def.Tools = append(def.Tools, tag[1])
		case "pm":
			def.IsPM = tag[1] == "true"
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func loadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent definition: %w", err)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse agent definition %s: %w", path, err)
	}
	if def.Pubkey == "" {
		// Filename is the pubkey when the field is omitted.
		def.Pubkey = trimJSONExt(filepath.Base(path))
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func saveDefinition(dir string, def *Definition) error {
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent definition: %w", err)
	}
	return store.WriteFileAtomic(filepath.Join(dir, def.Pubkey+".json"), data)
}

func trimJSONExt(name string) string {
	if ext := filepath.Ext(name); ext == ".json" {
		return name[:len(name)-len(ext)]
	}
	return name
}
