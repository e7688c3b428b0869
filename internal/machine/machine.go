// Package machine implements the single-threaded transition core: it
// consumes the debounced session event stream plus clock ticks, applies the
// threshold policy, and emits profile intents when the desired lighting
// output changes.
package machine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/glowd/internal/policy"
	"github.com/dokzlo13/glowd/internal/session"
)

// Intent is the machine's externally visible output: a desired lighting
// state plus a monotonically increasing sequence number that lets the
// dispatcher detect and drop stale deliveries.
type Intent struct {
	On  bool
	Seq uint64
}

// String renders the desired output for logs.
func (i Intent) String() string {
	if i.On {
		return "on"
	}
	return "off"
}

// Recorder receives transition history for auditing. Implementations must
// not block; failures are their own concern.
type Recorder interface {
	RecordTransition(at time.Time, from, to string, want string, seq uint64)
}

// Machine owns the phase and the idle accumulator. It is the sole mutator
// of both: all inputs arrive over channels into a single goroutine, so no
// locking is needed.
type Machine struct {
	cfg      policy.Thresholds
	poll     time.Duration
	clock    Clock
	recorder Recorder

	phase policy.Phase

	// Idle is extrapolated between samples: the last sampled duration plus
	// wall time elapsed since the sample. This lets the timeout fire on a
	// tick even when no new idle event arrived.
	idleBase time.Duration
	idleAt   time.Time

	lastOn  bool
	emitted bool
	seq     uint64

	intents chan Intent
}

// New creates a Machine in the Active phase. poll is the idle sampling
// cadence and bounds idle extrapolation; recorder may be nil.
func New(cfg policy.Thresholds, poll time.Duration, clock Clock, recorder Recorder) *Machine {
	return &Machine{
		cfg:      cfg,
		poll:     poll,
		clock:    clock,
		recorder: recorder,
		phase:    policy.PhaseActive,
		intents:  make(chan Intent, 1),
	}
}

// Intents returns the coalescing intent mailbox. Only the newest intent is
// retained if the consumer lags; stale intents are superseded, never
// delivered out of order.
func (m *Machine) Intents() <-chan Intent {
	return m.intents
}

// Run drives the machine until ctx is cancelled. events must already be
// debounced; ticks provides the periodic re-evaluation needed because idle
// time grows without new OS events.
func (m *Machine) Run(ctx context.Context, events <-chan session.Event, ticks <-chan time.Time) {
	now := m.clock.Now()
	m.idleAt = now

	// Converge the daemon to our view of the world at startup: the phase
	// starts Active, so the first intent is On.
	m.apply(m.cfg.Decide(m.phase, nil, 0, now), now)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ev)

		case <-ticks:
			now := m.clock.Now()
			m.apply(m.cfg.Decide(m.phase, nil, m.idleFor(now), now), now)
		}
	}
}

func (m *Machine) handleEvent(ev session.Event) {
	now := m.clock.Now()

	if ev.Kind == session.KindIdle {
		m.idleBase = ev.Idle
		m.idleAt = now
	}

	d := m.cfg.Decide(m.phase, &ev, m.idleFor(now), now)
	m.apply(d, now)
}

// idleFor extrapolates the accumulated idle duration at the given instant.
// Extrapolation is capped at one poll cycle past the last sample: a
// genuinely idle host re-anchors with a higher sample every cycle, while a
// busy host produces equal samples that the debouncer drops, and an equal
// reading means the idle counter did not grow. Walking further than one
// cycle on a stale anchor would manufacture idle time out of wall time.
func (m *Machine) idleFor(now time.Time) time.Duration {
	since := now.Sub(m.idleAt)
	if since < 0 {
		since = 0
	}
	if m.poll > 0 && since > m.poll {
		since = m.poll
	}
	return m.idleBase + since
}

// apply commits a decision: updates the phase, resets the idle accumulator
// on transitions back to Active, and emits an intent only when the desired
// output differs from the last emitted one.
func (m *Machine) apply(d policy.Decision, now time.Time) {
	if d.Phase != m.phase {
		log.Info().
			Stringer("from", m.phase).
			Stringer("to", d.Phase).
			Bool("lights", d.On).
			Msg("Phase transition")
	}

	if d.Phase == policy.PhaseActive && m.phase != policy.PhaseActive {
		m.idleBase = 0
		m.idleAt = now
	}

	prev := m.phase
	m.phase = d.Phase

	if m.emitted && d.On == m.lastOn {
		return
	}

	m.seq++
	it := Intent{On: d.On, Seq: m.seq}
	m.lastOn = d.On
	m.emitted = true

	log.Debug().
		Stringer("intent", it).
		Uint64("seq", it.Seq).
		Msg("Emitting profile intent")

	if m.recorder != nil {
		m.recorder.RecordTransition(now, prev.String(), d.Phase.String(), it.String(), it.Seq)
	}

	m.publish(it)
}

// publish places the intent into the mailbox, displacing an undelivered
// older one. The machine is the only sender and never blocks here, so event
// ingestion can never wait on network I/O downstream.
func (m *Machine) publish(it Intent) {
	select {
	case m.intents <- it:
		return
	default:
	}
	// Mailbox full: drop the superseded intent and retry. With a single
	// producer the second send cannot block.
	select {
	case old := <-m.intents:
		log.Debug().Uint64("seq", old.Seq).Msg("Superseding undelivered intent")
	default:
	}
	m.intents <- it
}
