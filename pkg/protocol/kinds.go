package protocol

// Nostr event kinds used by the daemon. The numeric values are deployment
// constants; consumers must treat them as opaque identifiers for the
// semantics documented here.
const (
	// KindConversationRoot starts a new conversation thread.
	KindConversationRoot = 11

	// KindConversationReply is a threaded reply within a conversation
	// (agent-to-agent, user-to-agent, delegation requests and completions).
	KindConversationReply = 1111

	// KindProject is the addressable project definition event. The d tag
	// carries the project slug; ordered "agent" tags reference agent pubkeys.
	KindProject = 31933

	// KindAgentDefinition is the addressable agent definition event: d tag
	// is the agent slug, with role, instructions, and tool allow-list.
	KindAgentDefinition = 31970

	// KindProjectStatus is the ephemeral heartbeat published every 30s per
	// active project, listing active agents and their tool inventories.
	KindProjectStatus = 24010

	// KindStreamingStatus is the ephemeral partial-response event emitted
	// while an agent is streaming (rate-limited to one per 250ms per turn).
	KindStreamingStatus = 21111
)

// IgnoredKinds are dropped silently by the router before any other
// classification step.
var IgnoredKinds = map[int]bool{
	0:     true, // profile metadata
	3:     true, // contact lists
	7:     true, // reactions
	24133: true, // nostr-connect traffic
}

// Tag names on conversation events.
const (
	TagReply       = "e" // reply target event ID
	TagRoot        = "E" // conversation root event ID
	TagRecipient   = "p" // recipient pubkey
	TagProject     = "a" // project coordinate <kind>:<pubkey>:<d-tag>
	TagDelegation  = "q" // delegation correlation (request event ID)
	TagPhase       = "phase"
	TagPhaseReason = "phase-reason"
	TagAgent       = "agent" // ordered agent references on project events
	TagIdentifier  = "d"
	TagModel       = "model"
	TagTool        = "tool"
	TagStatus      = "status"
)
