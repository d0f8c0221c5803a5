package daemon

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/internal/agents"
	"github.com/tenex-chat/tenexd/internal/project"
	"github.com/tenex-chat/tenexd/internal/store/archive"
	"github.com/tenex-chat/tenexd/internal/tools"
	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// route classifies one inbound event. Pipeline, first match wins: ignored
// kinds, daemon-level kinds (project and agent definitions), delegation
// correlation, project resolution, dedup, enqueue.
func (d *Daemon) route(ctx context.Context, ev *nostr.Event) {
	if protocol.IgnoredKinds[ev.Kind] {
		return
	}

	switch ev.Kind {
	case protocol.KindProject:
		d.handleProjectEvent(ctx, ev)
		return
	case protocol.KindAgentDefinition:
		d.handleAgentDefinition(ev)
		return
	case protocol.KindProjectStatus, protocol.KindStreamingStatus:
		return // our own ephemeral traffic echoed back
	}

	if d.correlateDelegation(ev) {
		return
	}

	rt := d.resolveRuntime(ctx, ev)
	if rt == nil {
		d.log.Warn("event resolves to no project, dropping",
			"event", shortID(ev.ID), "kind", ev.Kind, "author", shortID(ev.PubKey))
		return
	}
	if !rt.Dedup.MarkIfNew(ev.ID) {
		d.log.Debug("duplicate event dropped", "event", shortID(ev.ID))
		return
	}
	if d.arch != nil {
		d.arch.Record(archive.DirInbound, rt.Ctx.Slug, ev)
	}
	rt.Enqueue(ev)
}

// correlateDelegation matches replies against pending delegations: q tags
// quote the request explicitly, and e tags catch recipients that reply to the
// request without quoting it. A consumed reply still lands in the
// conversation tree; it just never wakes a new turn, the blocked delegator
// resumes instead.
func (d *Daemon) correlateDelegation(ev *nostr.Event) bool {
	candidate := false
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && (tag[0] == protocol.TagDelegation || tag[0] == protocol.TagReply) {
			candidate = true
			break
		}
	}
	if !candidate {
		return false
	}

	d.mu.Lock()
	rts := make([]*project.Runtime, 0, len(d.runtimes))
	for _, rt := range d.runtimes {
		rts = append(rts, rt)
	}
	d.mu.Unlock()

	for _, rt := range rts {
		if rt.Delegations.OnReply(ev) {
			rt.Dedup.Mark(ev.ID)
			rt.NoteOwnEvent(ev)
			if d.arch != nil {
				d.arch.Record(archive.DirInbound, rt.Ctx.Slug, ev)
			}
			d.log.Debug("delegation reply correlated", "event", shortID(ev.ID), "project", rt.Ctx.Slug)
			return true
		}
	}
	return false
}

// resolveRuntime finds (or lazily materializes) the runtime an event belongs
// to: explicit a tag first, then p-tagged agent membership.
func (d *Daemon) resolveRuntime(ctx context.Context, ev *nostr.Event) *project.Runtime {
	if coord, ok := project.EventCoordinate(ev); ok {
		return d.runtimeFor(ctx, coord.String())
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != protocol.TagRecipient {
			continue
		}
		pk := tag[1]

		d.mu.Lock()
		for _, rt := range d.runtimes {
			if rt.Agents.Has(pk) {
				d.mu.Unlock()
				return rt
			}
		}
		var coord string
		for c, pctx := range d.contexts {
			for _, agent := range pctx.Agents {
				if agent == pk {
					coord = c
					break
				}
			}
			if coord != "" {
				break
			}
		}
		d.mu.Unlock()

		if coord != "" {
			return d.runtimeFor(ctx, coord)
		}
	}
	return nil
}

// runtimeFor returns the active runtime for a coordinate, materializing it
// from the known project definition when needed. Failed projects stay failed
// until their definition changes.
func (d *Daemon) runtimeFor(ctx context.Context, coord string) *project.Runtime {
	d.mu.Lock()
	if rt, ok := d.runtimes[coord]; ok {
		d.mu.Unlock()
		return rt
	}
	if err, bad := d.failed[coord]; bad {
		d.mu.Unlock()
		d.log.Debug("project previously failed, not routing", "coordinate", coord, "error", err)
		return nil
	}
	pctx, known := d.contexts[coord]
	d.mu.Unlock()
	if !known {
		return nil
	}

	rt, err := project.NewRuntime(pctx, project.Deps{
		Config: d.cfg,
		Global: d.global,
		Exec:   d.exec,
		Emit:   d.bus.Emit,
		Log:    d.log,
	})
	if err != nil {
		d.log.Error("project failed to materialize", "project", pctx.Slug, "error", err)
		d.bus.Emit(protocol.EventProjectFailed, map[string]any{"project": pctx.Slug, "error": err.Error()})
		d.mu.Lock()
		d.failed[coord] = err
		d.mu.Unlock()
		return nil
	}

	d.mu.Lock()
	if existing, raced := d.runtimes[coord]; raced {
		d.mu.Unlock()
		rt.Shutdown(0)
		return existing
	}
	d.runtimes[coord] = rt
	d.mu.Unlock()

	rt.Start(ctx)
	return rt
}

// handleProjectEvent records (or updates) a project definition. An update
// clears any failed mark and reaches the live runtime through its queue.
func (d *Daemon) handleProjectEvent(ctx context.Context, ev *nostr.Event) {
	pctx, err := project.ContextFromEvent(ev, d.cfg.ProjectsDir)
	if err != nil {
		d.log.Warn("bad project event dropped", "event", shortID(ev.ID), "error", err)
		return
	}
	coord := pctx.Coordinate.String()

	d.mu.Lock()
	d.contexts[coord] = pctx
	delete(d.failed, coord)
	rt, active := d.runtimes[coord]
	d.mu.Unlock()

	d.log.Info("project definition", "project", pctx.Slug, "agents", len(pctx.Agents))
	if active {
		if rt.Dedup.MarkIfNew(ev.ID) {
			rt.Enqueue(ev)
		}
	}
}

// handleAgentDefinition persists a published agent definition into the global
// store. A locally stored signing key survives the update.
func (d *Daemon) handleAgentDefinition(ev *nostr.Event) {
	def, err := agents.DefinitionFromEvent(ev)
	if err != nil {
		d.log.Warn("bad agent definition dropped", "event", shortID(ev.ID), "error", err)
		return
	}
	if existing, ok := d.global.Get(def.Pubkey); ok && existing.Nsec != "" {
		def.Nsec = existing.Nsec
	}
	if err := d.global.Put(def); err != nil {
		d.log.Warn("agent definition not persisted", "slug", def.Slug, "error", err)
		return
	}
	d.log.Info("agent definition updated", "slug", def.Slug, "pubkey", shortID(def.Pubkey))
}

// onPublished feeds our own outbound events back into the owning runtime's
// conversation tree and the archive. Routing still happens off the relay
// echo.
func (d *Daemon) onPublished(ev *nostr.Event) {
	coord, ok := project.EventCoordinate(ev)
	if !ok {
		return
	}
	d.mu.Lock()
	rt := d.runtimes[coord.String()]
	d.mu.Unlock()
	if rt == nil {
		return
	}
	rt.NoteOwnEvent(ev)
	if d.arch != nil {
		d.arch.Record(archive.DirOutbound, rt.Ctx.Slug, ev)
	}
}

// builtinTools is the shared registry every runtime executes against.
func builtinTools() *tools.Registry {
	r := tools.NewRegistry()
	tools.Builtins(r)
	return r
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
