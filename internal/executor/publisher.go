package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/internal/agents"
	"github.com/tenex-chat/tenexd/internal/relay"
	"github.com/tenex-chat/tenexd/internal/tools"
	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// Publisher builds and publishes the daemon's outbound conversation events.
// Ordering: the underlying relay publisher serializes per signing key, so
// replies from one agent within a conversation preserve source order.
type Publisher struct {
	relay    *relay.Publisher
	fallback *relay.Signer // daemon signer for agents without their own key

	mu      sync.Mutex
	signers map[string]*relay.Signer

	// OnPublished runs after a successful publish; the daemon uses it to
	// ingest our own events into the conversation tree. Routing still happens
	// off the relay echo, so the events are not marked as processed here.
	OnPublished func(*nostr.Event)
}

// NewPublisher creates a publisher. fallback may be nil when every agent
// definition carries its own key.
func NewPublisher(rp *relay.Publisher, fallback *relay.Signer) *Publisher {
	return &Publisher{
		relay:    rp,
		fallback: fallback,
		signers:  make(map[string]*relay.Signer),
	}
}

func (p *Publisher) signerFor(agent *agents.Definition) (*relay.Signer, error) {
	if agent.Nsec == "" {
		if p.fallback == nil {
			return nil, fmt.Errorf("agent %s has no signing key and no fallback signer is configured", agent.Slug)
		}
		return p.fallback, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.signers[agent.Pubkey]; ok {
		return s, nil
	}
	s, err := relay.NewSigner(agent.Nsec)
	if err != nil {
		return nil, fmt.Errorf("agent %s signer: %w", agent.Slug, err)
	}
	p.signers[agent.Pubkey] = s
	return s, nil
}

// PublishReply emits a finalized reply event in the conversation. phase is
// stamped when non-empty so observers can reconstruct phase history from the
// event log alone. quote, when non-empty, is the delegation request event ID
// this reply answers; it becomes the q tag the delegator's registry
// correlates on.
func (p *Publisher) PublishReply(ctx context.Context, agent *agents.Definition, projectID, rootID string, trigger *nostr.Event, content, phase, quote string) (*nostr.Event, error) {
	tags := nostr.Tags{
		{protocol.TagReply, trigger.ID},
	}
	if quote != "" {
		tags = append(tags, nostr.Tag{protocol.TagDelegation, quote})
	}
	if rootID != "" && rootID != trigger.ID {
		tags = append(tags, nostr.Tag{protocol.TagRoot, rootID})
	}
	if trigger.PubKey != agent.Pubkey {
		tags = append(tags, nostr.Tag{protocol.TagRecipient, trigger.PubKey})
	}
	if projectID != "" {
		tags = append(tags, nostr.Tag{protocol.TagProject, projectID})
	}
	if phase != "" {
		tags = append(tags, nostr.Tag{protocol.TagPhase, phase})
	}
	ev := &nostr.Event{
		Kind:      protocol.KindConversationReply,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      tags,
	}
	if err := p.publish(ctx, agent, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// PublishStatus emits an ephemeral streaming-status event with the partial
// response. Callers rate-limit; the event is best-effort and not ingested.
func (p *Publisher) PublishStatus(ctx context.Context, agent *agents.Definition, projectID, rootID string, trigger *nostr.Event, partial string) error {
	signer, err := p.signerFor(agent)
	if err != nil {
		return err
	}
	ev := &nostr.Event{
		Kind:      protocol.KindStreamingStatus,
		CreatedAt: nostr.Now(),
		Content:   partial,
		Tags: nostr.Tags{
			{protocol.TagReply, trigger.ID},
			{protocol.TagRoot, rootID},
			{protocol.TagProject, projectID},
		},
	}
	return p.relay.Publish(ctx, signer, ev)
}

// PublishDelegationRequest implements tools.RequestPublisher: one request
// event addressed to all recipients, carrying the conversation links. The
// returned event ID is the correlation recipients quote back in their q tag.
// The event is signed first so register sees the final ID before the relay
// does; a register error aborts the publish.
func (p *Publisher) PublishDelegationRequest(ctx context.Context, ec *tools.ExecContext, recipients []string, content, phase string, register func(eventID string) error) (string, error) {
	tags := nostr.Tags{
		{protocol.TagReply, ec.TriggerEvent.ID},
		{protocol.TagRoot, ec.ConversationID},
		{protocol.TagProject, ec.ProjectID},
	}
	for _, pk := range recipients {
		tags = append(tags, nostr.Tag{protocol.TagRecipient, pk})
	}
	if phase != "" {
		tags = append(tags, nostr.Tag{protocol.TagPhase, phase})
	}
	ev := &nostr.Event{
		Kind:      protocol.KindConversationReply,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      tags,
	}

	signer, err := p.signerFor(ec.Agent)
	if err != nil {
		return "", err
	}
	if err := signer.Sign(ev); err != nil {
		return "", fmt.Errorf("sign delegation request: %w", err)
	}
	if register != nil {
		if err := register(ev.ID); err != nil {
			return "", err
		}
	}
	if err := p.relay.Publish(ctx, signer, ev); err != nil {
		return "", err
	}
	if p.OnPublished != nil {
		p.OnPublished(ev)
	}
	return ev.ID, nil
}

func (p *Publisher) publish(ctx context.Context, agent *agents.Definition, ev *nostr.Event) error {
	signer, err := p.signerFor(agent)
	if err != nil {
		return err
	}
	if err := p.relay.Publish(ctx, signer, ev); err != nil {
		return err
	}
	if p.OnPublished != nil {
		p.OnPublished(ev)
	}
	return nil
}
