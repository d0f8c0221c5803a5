package conversation

import "fmt"

// Phase labels the current mode of work on a conversation. Transitions are
// explicit (PM tool calls) and observable: every phase change is stamped on
// the next outbound reply so the history can be rebuilt from the event log.
type Phase string

const (
	PhaseChat         Phase = "CHAT"
	PhaseBrainstorm   Phase = "BRAINSTORM"
	PhasePlan         Phase = "PLAN"
	PhaseExecute      Phase = "EXECUTE"
	PhaseVerification Phase = "VERIFICATION"
	PhaseChores       Phase = "CHORES"
	PhaseReflection   Phase = "REFLECTION"
)

var phases = map[Phase]bool{
	PhaseChat:         true,
	PhaseBrainstorm:   true,
	PhasePlan:         true,
	PhaseExecute:      true,
	PhaseVerification: true,
	PhaseChores:       true,
	PhaseReflection:   true,
}

// ParsePhase validates a phase string.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !phases[p] {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Phases lists all valid phases in workflow order.
func Phases() []Phase {
	return []Phase{
		PhaseChat, PhaseBrainstorm, PhasePlan, PhaseExecute,
		PhaseVerification, PhaseChores, PhaseReflection,
	}
}
