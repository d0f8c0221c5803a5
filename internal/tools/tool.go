// Package tools maps tool names to invocable handlers with typed input
// schemas, and hosts the built-in coordination tools (delegation, phase
// transitions, completion).
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tenex-chat/tenexd/internal/agents"
	"github.com/tenex-chat/tenexd/internal/conversation"
	"github.com/tenex-chat/tenexd/internal/delegation"
	"github.com/tenex-chat/tenexd/internal/llm"
)

// Tool is one invocable handler. InputSchema returns a JSON schema document;
// the registry validates arguments against it before Execute runs.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any, ec *ExecContext) *Result
}

// RequestPublisher publishes delegation request events on behalf of the
// executing agent. Implemented by the executor's publisher.
type RequestPublisher interface {
	// PublishDelegationRequest signs one request event addressed to the
	// recipients within the conversation, hands its event ID to register
	// before anything leaves the process, then publishes it and returns the
	// ID. A register error aborts the publish. The q correlation is the
	// returned ID itself (recipients quote it back), so registering before
	// the send means an echoed reply can never outrun the registry entry.
	PublishDelegationRequest(ctx context.Context, ec *ExecContext, recipients []string, content string, phase string, register func(eventID string) error) (string, error)
}

// ExecContext is the explicit per-invocation context threaded through tool
// execution: no ambient globals.
type ExecContext struct {
	ProjectID      string // project coordinate
	Agent          *agents.Definition
	AgentRegistry  *agents.Registry
	ConversationID string // root event ID
	TriggerEvent   *nostr.Event
	Conversations  *conversation.Coordinator
	Delegations    *delegation.Registry
	Publisher      RequestPublisher
}

// Registry maps tool names to handlers. Read-only after startup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its input schema. Duplicate names and
// uncompilable schemas are registration errors.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %q already registered", name)
	}
	url := "tool:///" + name + ".json"
	compiler := jsonschema.NewCompiler()
	// Schemas are authored as Go literals; coerce them to JSON-decoded shapes
	// (float64 numbers, []any arrays) before compilation.
	if err := compiler.AddResource(url, normalizeJSON(t.InputSchema())); err != nil {
		return fmt.Errorf("tool %q schema: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %q schema: %w", name, err)
	}
	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

// MustRegister panics on registration error; used for built-ins at startup.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Defs returns provider tool definitions for the agent, filtered by its
// allow-list.
func (r *Registry) Defs(agent *agents.Definition) []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]llm.ToolDef, 0, len(names))
	for _, name := range names {
		if agent != nil && !agent.AllowsTool(name) {
			continue
		}
		t := r.tools[name]
		out = append(out, llm.ToolDef{
			Name:        name,
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return out
}

// Execute validates the arguments against the tool's schema and runs it.
// Unknown tools, allow-list violations, and schema failures come back as
// structured error results visible to the LLM; Execute never panics.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, ec *ExecContext) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return Errorf("unknown tool %q", name)
	}
	if ec != nil && ec.Agent != nil && !ec.Agent.AllowsTool(name) {
		return Errorf("tool %q is not in this agent's allow-list", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(normalizeJSON(args)); err != nil {
		return Errorf("invalid arguments for %q: %v", name, err)
	}
	return t.Execute(ctx, args, ec)
}

// normalizeJSON coerces argument values into the shapes the validator
// expects (e.g. []string → []any).
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}
