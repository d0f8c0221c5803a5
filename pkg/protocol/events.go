package protocol

// Observer event names pushed from the daemon to local WebSocket clients.
const (
	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"

	// Project runtime lifecycle.
	EventProjectStarted = "project.started"
	EventProjectIdle    = "project.idle"
	EventProjectFailed  = "project.failed"

	// Agent turn lifecycle.
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
	EventToolCall      = "tool.call"
	EventToolResult    = "tool.result"
	EventLLMUsage      = "llm.usage"

	// Conversation state.
	EventPhaseChanged = "phase.changed"

	// Delegation lifecycle.
	EventDelegationStarted   = "delegation.started"
	EventDelegationCompleted = "delegation.completed"
	EventDelegationTimedOut  = "delegation.timeout"
	EventDelegationOrphaned  = "delegation.orphaned"
)

// ProtocolVersion is bumped when the observer event payload shape changes.
const ProtocolVersion = 1
