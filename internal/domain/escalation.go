package domain

import "fmt"

// EscalationLevel is how far up the chain of command an incident has been
// raised. It is a bounded counter, independent of IncidentStatus.
type EscalationLevel int

// Escalation levels.
const (
	EscalationNone EscalationLevel = iota
	EscalationLevel1
	EscalationLevel2
	EscalationLevel3
	EscalationLevel4
)

// MaxEscalationLevel is the highest level an incident can reach.
const MaxEscalationLevel = EscalationLevel4

// IsValid checks if the level is within bounds.
func (l EscalationLevel) IsValid() bool {
	return l >= EscalationNone && l <= MaxEscalationLevel
}

// Next returns the level one step above l, capped at MaxEscalationLevel.
func (l EscalationLevel) Next() EscalationLevel {
	if l >= MaxEscalationLevel {
		return MaxEscalationLevel
	}
	return l + 1
}

func (l EscalationLevel) String() string {
	if l == EscalationNone {
		return "none"
	}
	if l.IsValid() {
		return fmt.Sprintf("level%d", int(l))
	}
	return fmt.Sprintf("EscalationLevel(%d)", int(l))
}

// ReplayEscalationLevel rebuilds the level implied by an escalation history.
// Levels only ever grow, so the last entry wins; the max is taken anyway so a
// history read from an untrusted source cannot lower the result.
func ReplayEscalationLevel(history []EscalationEntry) EscalationLevel {
	level := EscalationNone
	for _, e := range history {
		if e.Level > level {
			level = e.Level
		}
	}
	return level
}
