// Package dispatch delivers profile intents to the lighting daemon,
// coalescing superseded intents and retrying transient failures with
// bounded exponential backoff.
package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/glowd/internal/dispatch/openrgb"
	"github.com/dokzlo13/glowd/internal/machine"
)

// Daemon is the slice of the lighting daemon's control surface the
// dispatcher needs.
type Daemon interface {
	Profiles() ([]string, error)
	LoadProfile(name string) error
	Close() error
}

// Connector establishes a fresh control connection to the daemon.
type Connector func(ctx context.Context) (Daemon, error)

// Recorder receives dispatch outcomes for auditing. Implementations must
// not block.
type Recorder interface {
	RecordDispatch(at time.Time, seq uint64, intent string, outcome string, detail string)
}

// Config contains delivery and retry settings.
type Config struct {
	OnProfile  string
	OffProfile string

	MinBackoff  time.Duration // first retry delay
	MaxBackoff  time.Duration // retry delay cap
	Multiplier  float64       // backoff growth factor
	MaxAttempts int           // attempts per intent generation

	// RetryCooldown is the pause after attempts are exhausted before the
	// still-pending intent is tried again. Zero means MaxBackoff.
	RetryCooldown time.Duration

	// RateLimit caps profile loads per second. Zero or negative disables
	// the limit.
	RateLimit float64
}

// Record is the last successfully acknowledged intent. It is owned
// exclusively by the dispatcher and makes delivery idempotent across
// retries and reconnects.
type Record struct {
	Seq uint64
	On  bool
	At  time.Time
}

// Dispatcher owns the daemon connection and the delivery Record. It is the
// single consumer of the machine's intent mailbox.
type Dispatcher struct {
	cfg      Config
	connect  Connector
	limiter  *rate.Limiter
	recorder Recorder

	daemon Daemon

	mu  sync.Mutex
	rec Record
}

// New creates a Dispatcher using the given connector. recorder may be nil.
func New(cfg Config, connect Connector, recorder Recorder) *Dispatcher {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Dispatcher{
		cfg:      cfg,
		connect:  connect,
		limiter:  rate.NewLimiter(limit, 1),
		recorder: recorder,
	}
}

// NewOpenRGB creates a Dispatcher that talks to an OpenRGB-compatible
// daemon at addr, identifying itself as clientName.
func NewOpenRGB(cfg Config, addr, clientName string, connectTimeout, ioTimeout time.Duration, recorder Recorder) *Dispatcher {
	connect := func(ctx context.Context) (Daemon, error) {
		return openrgb.Dial(ctx, addr, clientName, connectTimeout, ioTimeout)
	}
	return New(cfg, connect, recorder)
}

// LastDelivered returns the record of the last acknowledged intent.
func (d *Dispatcher) LastDelivered() Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rec
}

func (d *Dispatcher) setRecord(rec Record) {
	d.mu.Lock()
	d.rec = rec
	d.mu.Unlock()
}

// Run consumes intents until ctx is cancelled. A newer intent always
// supersedes the one being delivered: it is re-checked before every
// attempt, during every backoff wait, and during the cooldown after
// exhausted retries. Intents are therefore delivered in non-decreasing
// sequence order, and a terminal failure never loses the newest intent.
func (d *Dispatcher) Run(ctx context.Context, intents <-chan machine.Intent) error {
	defer d.dropConn()

	var (
		pending  *machine.Intent
		attempts int
		backoff  = d.cfg.MinBackoff
	)

	for {
		if pending == nil {
			select {
			case <-ctx.Done():
				return nil
			case it := <-intents:
				pending = &it
				attempts = 0
				backoff = d.cfg.MinBackoff
			}
		}

		// Newest intent wins before each attempt.
		select {
		case it := <-intents:
			d.supersede(pending, it)
			pending = &it
			attempts = 0
			backoff = d.cfg.MinBackoff
			continue
		default:
		}

		if pending.Seq <= d.LastDelivered().Seq {
			log.Debug().Uint64("seq", pending.Seq).Msg("Dropping stale intent")
			pending = nil
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return nil
		}

		err := d.deliver(ctx, *pending)
		if err == nil {
			rec := Record{Seq: pending.Seq, On: pending.On, At: time.Now()}
			d.setRecord(rec)
			if d.recorder != nil {
				d.recorder.RecordDispatch(rec.At, pending.Seq, pending.String(), "delivered", "")
			}
			pending = nil
			continue
		}

		// Transient failure: the connection is unusable, rebuild it on the
		// next attempt.
		d.dropConn()
		attempts++

		if attempts >= d.cfg.MaxAttempts {
			log.Error().
				Err(err).
				Int("attempts", attempts).
				Uint64("seq", pending.Seq).
				Stringer("intent", pending).
				Msg("Delivery failed, retries exhausted; keeping intent pending")
			if d.recorder != nil {
				d.recorder.RecordDispatch(time.Now(), pending.Seq, pending.String(), "failed", err.Error())
			}

			cooldown := d.cfg.RetryCooldown
			if cooldown <= 0 {
				cooldown = d.cfg.MaxBackoff
			}
			select {
			case <-ctx.Done():
				return nil
			case it := <-intents:
				d.supersede(pending, it)
				pending = &it
			case <-time.After(cooldown):
				// Same intent, fresh attempt budget.
			}
			attempts = 0
			backoff = d.cfg.MinBackoff
			continue
		}

		log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Int("attempt", attempts).
			Uint64("seq", pending.Seq).
			Msg("Delivery failed, retrying")

		select {
		case <-ctx.Done():
			return nil
		case it := <-intents:
			d.supersede(pending, it)
			pending = &it
			attempts = 0
			backoff = d.cfg.MinBackoff
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * d.cfg.Multiplier)
			if backoff > d.cfg.MaxBackoff {
				backoff = d.cfg.MaxBackoff
			}
		}
	}
}

func (d *Dispatcher) supersede(old *machine.Intent, next machine.Intent) {
	log.Debug().
		Uint64("old_seq", old.Seq).
		Uint64("new_seq", next.Seq).
		Msg("Intent superseded before delivery")
	if d.recorder != nil {
		d.recorder.RecordDispatch(time.Now(), old.Seq, old.String(), "superseded", "")
	}
}

// deliver performs one delivery attempt: connect if needed, verify the
// profile exists, load it. A missing profile is acknowledged without a
// load, matching the daemon-side behavior of skipping unknown profiles.
func (d *Dispatcher) deliver(ctx context.Context, it machine.Intent) error {
	if d.daemon == nil {
		daemon, err := d.connect(ctx)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		d.daemon = daemon
		log.Info().Msg("Connected to lighting daemon")
	}

	name := d.cfg.OffProfile
	if it.On {
		name = d.cfg.OnProfile
	}

	profiles, err := d.daemon.Profiles()
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	if !slices.Contains(profiles, name) {
		log.Info().Str("profile", name).Msg("Profile not found on daemon, skipping load")
		return nil
	}

	if err := d.daemon.LoadProfile(name); err != nil {
		return fmt.Errorf("load profile %q: %w", name, err)
	}

	log.Info().
		Str("profile", name).
		Uint64("seq", it.Seq).
		Msg("Profile loaded")
	return nil
}

func (d *Dispatcher) dropConn() {
	if d.daemon != nil {
		d.daemon.Close()
		d.daemon = nil
	}
}
