package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Debouncer collapses bursts of raw events into a coherent ordered stream.
// It never reorders events, it only drops redundant ones:
//
//   - idle samples equal to the current watermark are dropped; a sample
//     below the watermark means the OS idle counter was reset by user input,
//     so it is forwarded and lowers the watermark
//   - repeated identical state events (a second Locked after Locked) are
//     dropped
//
// The idle watermark also resets on Unlocked and Resumed, since both end
// the idle accumulation window.
type Debouncer struct {
	idleMark    time.Duration
	hasIdleMark bool
	lastState   Kind
	hasState    bool
}

// NewDebouncer creates a Debouncer with an empty history.
func NewDebouncer() *Debouncer {
	return &Debouncer{}
}

// Filter reports whether ev should be forwarded downstream.
func (d *Debouncer) Filter(ev Event) bool {
	if ev.Kind == KindIdle {
		if d.hasIdleMark && ev.Idle == d.idleMark {
			return false
		}
		d.idleMark = ev.Idle
		d.hasIdleMark = true
		return true
	}

	if d.hasState && d.lastState == ev.Kind {
		return false
	}
	d.lastState = ev.Kind
	d.hasState = true

	if ev.Kind == KindUnlocked || ev.Kind == KindResumed {
		d.idleMark = 0
		d.hasIdleMark = false
	}
	return true
}

// Run pumps events from in to out, applying Filter, until ctx is cancelled
// or in is closed.
func (d *Debouncer) Run(ctx context.Context, in <-chan Event, out chan<- Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if !d.Filter(ev) {
				log.Trace().Stringer("kind", ev.Kind).Dur("idle", ev.Idle).Msg("Debounced event")
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}
}
