// Package session provides the raw session/power event model and the
// per-platform event sources that produce it.
package session

import (
	"time"
)

// Kind identifies a session or power observation.
type Kind int

const (
	// KindIdle carries the accumulated idle duration sampled from the OS.
	KindIdle Kind = iota
	// KindLocked is emitted when the interactive session is locked.
	KindLocked
	// KindUnlocked is emitted when the interactive session is unlocked.
	KindUnlocked
	// KindSuspending is emitted just before the machine goes to sleep.
	KindSuspending
	// KindResumed is emitted after the machine wakes from sleep.
	KindResumed
)

// String returns the kind name used in logs and the ledger.
func (k Kind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindLocked:
		return "locked"
	case KindUnlocked:
		return "unlocked"
	case KindSuspending:
		return "suspending"
	case KindResumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Event is a single immutable session/power observation, timestamped by the
// adapter that produced it. Idle is meaningful only for KindIdle.
type Event struct {
	Kind Kind
	Idle time.Duration
	At   time.Time
}

// IdleEvent builds a KindIdle event stamped now.
func IdleEvent(idle time.Duration) Event {
	return Event{Kind: KindIdle, Idle: idle, At: time.Now()}
}

// StateEvent builds a non-idle event stamped now.
func StateEvent(kind Kind) Event {
	return Event{Kind: kind, At: time.Now()}
}
