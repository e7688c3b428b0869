// Package policy holds the pure decision rules that map session state and
// time of day to a desired lighting output.
package policy

import (
	"fmt"
	"time"

	"github.com/dokzlo13/glowd/internal/session"
)

// Phase is the lifecycle state of the transition machine. Exactly one phase
// is current at any instant.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseIdle
	PhaseLocked
	PhaseSuspended
)

// String returns the phase name used in logs and the ledger.
func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseIdle:
		return "idle"
	case PhaseLocked:
		return "locked"
	case PhaseSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Decision is the outcome of evaluating the rules: the next phase and
// whether the lights should be on.
type Decision struct {
	Phase Phase
	On    bool
}

// Thresholds is the immutable, validated rule configuration. The night
// window selects the short idle timeout; a lock inside the curfew window
// forces the lights off with no idle wait.
type Thresholds struct {
	DayIdleTimeout   time.Duration
	NightIdleTimeout time.Duration
	Night            Window
	Curfew           Window
}

// Validate rejects configurations that would silently change lighting
// behavior. Thresholds are never defaulted.
func (t Thresholds) Validate() error {
	if t.DayIdleTimeout <= 0 {
		return fmt.Errorf("day idle timeout must be positive, got %s", t.DayIdleTimeout)
	}
	if t.NightIdleTimeout <= 0 {
		return fmt.Errorf("night idle timeout must be positive, got %s", t.NightIdleTimeout)
	}
	if t.Night.IsZero() {
		return fmt.Errorf("night window is required")
	}
	if t.Curfew.IsZero() {
		return fmt.Errorf("curfew window is required")
	}
	return nil
}

// IdleTimeout returns the effective idle timeout for the given instant:
// the night timeout inside the night window, the day timeout otherwise.
func (t Thresholds) IdleTimeout(now time.Time) time.Duration {
	if t.Night.Contains(now) {
		return t.NightIdleTimeout
	}
	return t.DayIdleTimeout
}

// Decide maps (current phase, optional event, accumulated idle, now) to the
// next phase and desired output. It is pure: the machine re-evaluates it on
// every forwarded event and on every clock tick.
//
// Rule order: suspend dominates everything, then lock (inside the curfew
// window the off is mandated with zero delay; outside it the lock itself is
// the visibility trigger), then the idle timeout. The timeout fires at
// "at least" the configured duration (idle >= timeout).
func (t Thresholds) Decide(phase Phase, ev *session.Event, idle time.Duration, now time.Time) Decision {
	if ev != nil {
		switch ev.Kind {
		case session.KindSuspending:
			return Decision{Phase: PhaseSuspended, On: false}
		case session.KindResumed:
			return Decision{Phase: PhaseActive, On: true}
		case session.KindLocked:
			// Off with zero delay. Inside the curfew window this is
			// mandated regardless of idle duration; outside it the lock
			// itself removes visibility, so no idle timer applies either.
			return Decision{Phase: PhaseLocked, On: false}
		case session.KindUnlocked:
			return Decision{Phase: PhaseActive, On: true}
		case session.KindIdle:
			// Falls through to the idle evaluation below.
		}
	}

	switch phase {
	case PhaseSuspended:
		return Decision{Phase: PhaseSuspended, On: false}
	case PhaseLocked:
		// Idle keeps accumulating while locked but never changes the
		// outcome; only Unlocked or Resumed leave this phase.
		return Decision{Phase: PhaseLocked, On: false}
	}

	if idle >= t.IdleTimeout(now) {
		return Decision{Phase: PhaseIdle, On: false}
	}
	return Decision{Phase: PhaseActive, On: true}
}
