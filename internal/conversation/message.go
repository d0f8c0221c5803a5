package conversation

import "time"

// Message roles as seen by a viewer agent.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one entry of the thread an agent sees when it wakes on an event.
// Role is viewer-relative: events the viewer authored are "assistant",
// everything else authored by humans or other agents is "user".
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Author    string    `json:"author,omitempty"` // pubkey; empty for synthetic system messages
	EventID   string    `json:"event_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
