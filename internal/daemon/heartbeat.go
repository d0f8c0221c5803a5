package daemon

import (
	"context"
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/internal/project"
	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// heartbeatPayload is the status document published for each active project.
type heartbeatPayload struct {
	Project string           `json:"project"`
	Agents  []heartbeatAgent `json:"agents"`
}

type heartbeatAgent struct {
	Slug  string   `json:"slug"`
	Tools []string `json:"tools"`
}

// publishHeartbeats emits one ephemeral status event per active project,
// signed by the daemon identity. Skipped entirely when no fallback signer is
// configured.
func (d *Daemon) publishHeartbeats(ctx context.Context) {
	if d.fallback == nil {
		return
	}

	d.mu.Lock()
	rts := make([]*project.Runtime, 0, len(d.runtimes))
	for _, rt := range d.runtimes {
		rts = append(rts, rt)
	}
	d.mu.Unlock()

	for _, rt := range rts {
		payload := heartbeatPayload{Project: rt.Ctx.Slug}
		for _, pk := range rt.Agents.Pubkeys() {
			def, ok := rt.Agents.Get(pk)
			if !ok {
				continue
			}
			ha := heartbeatAgent{Slug: def.Slug}
			for _, name := range d.exec.Tools.Names() {
				if def.AllowsTool(name) {
					ha.Tools = append(ha.Tools, name)
				}
			}
			payload.Agents = append(payload.Agents, ha)
		}
		content, err := json.Marshal(payload)
		if err != nil {
			continue
		}

		ev := &nostr.Event{
			Kind:      protocol.KindProjectStatus,
			CreatedAt: nostr.Now(),
			Content:   string(content),
			Tags: nostr.Tags{
				{protocol.TagProject, rt.Ctx.Coordinate.String()},
				{protocol.TagStatus, "active"},
			},
		}
		if err := d.relayPub.Publish(ctx, d.fallback, ev); err != nil {
			d.log.Debug("heartbeat publish failed", "project", rt.Ctx.Slug, "error", err)
			continue
		}
		d.bus.Emit(protocol.EventHeartbeat, map[string]any{"project": rt.Ctx.Slug})
	}
}
