// Package delegation tracks outstanding agent-to-agent delegations,
// correlates completion events back to waiting turns, and persists its state
// across restarts.
package delegation

import (
	"errors"
	"time"
)

var (
	// ErrSelfDelegation rejects a delegator appearing in its own recipient
	// set. Phase-transition self-delegation (non-empty phase) is exempt.
	ErrSelfDelegation = errors.New("delegator cannot be its own recipient")
	// ErrUnknownDelegation is returned for an ID the registry never issued.
	ErrUnknownDelegation = errors.New("unknown delegation")
)

// Recipient statuses in a finished delegation.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Record states.
const (
	StatePending  = "pending"
	StateComplete = "complete"
	StateTimedOut = "timed_out"
	StateOrphaned = "orphaned"
)

// Spec describes a delegation to register.
type Spec struct {
	Delegator      string   // delegator pubkey
	Recipients     []string // resolved recipient pubkeys
	ConversationID string   // root event ID
	RequestEventID string   // outbound request event carrying the correlation
	Phase          string   // non-empty for phase-transition self-delegation
	Timeout        time.Duration
}

// Result is one recipient's contribution to a finished delegation.
type Result struct {
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	EventID   string    `json:"event_id,omitempty"`
	At        time.Time `json:"at"`
}

// Record is the persisted form of one delegation.
type Record struct {
	ID             string    `json:"delegation_id"`
	Delegator      string    `json:"delegator_pubkey"`
	Recipients     []string  `json:"recipient_pubkeys"`
	ConversationID string    `json:"conversation_id"`
	RequestEventID string    `json:"request_event_id"`
	Phase          string    `json:"phase,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Pending        []string  `json:"pending_recipients"`
	Results        []Result  `json:"results"`
	State          string    `json:"state"`

	// Delivered reports whether a waiter consumed the outcome. Settled
	// records with Delivered false surface on the delegator's next turn.
	Delivered bool `json:"delivered,omitempty"`
}

// Complete reports the defining invariant: a delegation is complete iff no
// recipient is pending.
func (r *Record) Complete() bool { return len(r.Pending) == 0 }

func (r *Record) pendingIndex(pubkey string) int {
	for i, pk := range r.Pending {
		if pk == pubkey {
			return i
		}
	}
	return -1
}
