package agents

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrAmbiguousPM      = errors.New("two agents claim project manager")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrUnknownAgent     = errors.New("agent definition not found")
)

// Registry is the per-project agent view: an ordered list of agent pubkeys,
// a project-local slug namespace, and the resolved project manager.
type Registry struct {
	global *GlobalStore

	mu      sync.RWMutex
	ordered []string // pubkeys, project order
	bySlug  map[string]string
	pm      string
}

// NewRegistry builds a project registry from the ordered agent pubkey list of
// a project definition. Every referenced agent must have a global definition.
// PM selection: the single agent with is_pm when exactly one claims it,
// otherwise the first agent in project order; two claims fail the load.
func NewRegistry(global *GlobalStore, orderedPubkeys []string) (*Registry, error) {
	if len(orderedPubkeys) == 0 {
		return nil, errors.New("project has no agents")
	}
	r := &Registry{
		global: global,
		bySlug: make(map[string]string),
	}
	if err := r.reload(orderedPubkeys); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rebuilds the registry from a new ordered agent list (project
// metadata update). On error the previous view is kept.
func (r *Registry) Refresh(orderedPubkeys []string) error {
	return r.reload(orderedPubkeys)
}

func (r *Registry) reload(orderedPubkeys []string) error {
	bySlug := make(map[string]string, len(orderedPubkeys))
	ordered := make([]string, 0, len(orderedPubkeys))
	pm := ""
	for _, pk := range orderedPubkeys {
		def, ok := r.global.Get(pk)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, pk)
		}
		if existing, dup := bySlug[def.Slug]; dup && existing != pk {
			return fmt.Errorf("duplicate agent slug %q in project", def.Slug)
		}
		bySlug[def.Slug] = pk
		ordered = append(ordered, pk)
		if def.IsPM {
			if pm != "" {
				return fmt.Errorf("%w: %s and %s", ErrAmbiguousPM, pm, pk)
			}
			pm = pk
		}
	}
	if pm == "" {
		pm = ordered[0]
	}

	r.mu.Lock()
	r.ordered = ordered
	r.bySlug = bySlug
	r.pm = pm
	r.mu.Unlock()
	return nil
}

// PM returns the project manager's pubkey.
func (r *Registry) PM() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pm
}

// Get returns the definition for a project agent pubkey.
func (r *Registry) Get(pubkey string) (*Definition, bool) {
	r.mu.RLock()
	member := false
	for _, pk := range r.ordered {
		if pk == pubkey {
			member = true
			break
		}
	}
	r.mu.RUnlock()
	if !member {
		return nil, false
	}
	return r.global.Get(pubkey)
}

// BySlug returns the definition for a project-local slug.
func (r *Registry) BySlug(slug string) (*Definition, bool) {
	r.mu.RLock()
	pk, ok := r.bySlug[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.global.Get(pk)
}

// Pubkeys returns the agent pubkeys in project order.
func (r *Registry) Pubkeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Slugs returns the project's slugs, sorted, for status reporting.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySlug))
	for s := range r.bySlug {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the pubkey belongs to this project.
func (r *Registry) Has(pubkey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pk := range r.ordered {
		if pk == pubkey {
			return true
		}
	}
	return false
}
