package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/glowd/internal/config"
	"github.com/dokzlo13/glowd/internal/dispatch"
	"github.com/dokzlo13/glowd/internal/ledger"
	"github.com/dokzlo13/glowd/internal/machine"
	"github.com/dokzlo13/glowd/internal/session"
)

// Version is stamped at build time.
var Version = "dev"

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// InstanceID identifies this agent run on the daemon and in logs.
	InstanceID string

	Ledger     *ledger.Ledger
	Source     session.Source
	Debouncer  *session.Debouncer
	Machine    *machine.Machine
	Dispatcher *dispatch.Dispatcher
	Health     *HealthService

	ticker *time.Ticker
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{
		cfg:        cfg,
		InstanceID: uuid.NewString()[:8],
	}

	// Validated on load; rebuild the value object here.
	thresholds, err := cfg.Thresholds.Build()
	if err != nil {
		return nil, fmt.Errorf("thresholds: %w", err)
	}

	// Optional transition/dispatch history
	if cfg.Ledger.Enabled() {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		s.Ledger = l
	}

	// Platform event source; without one there is no lighting automation.
	source, err := session.NewPlatformSource(cfg.Poll.Interval.Duration())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("session source: %w", err)
	}
	s.Source = source

	s.Debouncer = session.NewDebouncer()

	var transitionRec machine.Recorder
	var dispatchRec dispatch.Recorder
	if s.Ledger != nil {
		transitionRec = s.Ledger
		dispatchRec = s.Ledger
	}

	s.Machine = machine.New(thresholds, cfg.Poll.Interval.Duration(), machine.SystemClock{}, transitionRec)

	clientName := fmt.Sprintf("glowd v%s (%s)", Version, s.InstanceID)
	s.Dispatcher = dispatch.NewOpenRGB(
		dispatch.Config{
			OnProfile:     cfg.Daemon.OnProfile,
			OffProfile:    cfg.Daemon.OffProfile,
			MinBackoff:    cfg.Daemon.MinRetryBackoff.Duration(),
			MaxBackoff:    cfg.Daemon.MaxRetryBackoff.Duration(),
			Multiplier:    cfg.Daemon.RetryMultiplier,
			MaxAttempts:   cfg.Daemon.MaxAttempts,
			RetryCooldown: cfg.Daemon.RetryCooldown.Duration(),
			RateLimit:     cfg.Daemon.RateLimitRPS,
		},
		cfg.Daemon.Address,
		clientName,
		cfg.Daemon.ConnectTimeout.Duration(),
		cfg.Daemon.IOTimeout.Duration(),
		dispatchRec,
	)

	s.Health = NewHealthService(cfg, s.Dispatcher)

	return s, nil
}

// Start wires the pipeline and starts all background goroutines. Events
// flow source -> debouncer -> machine -> dispatcher over ordered channels;
// the onFatalError callback is invoked when the event subscription fails,
// since the agent is useless without event visibility.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	raw := make(chan session.Event, 64)
	filtered := make(chan session.Event, 64)

	go func() {
		if err := s.Source.Run(ctx, raw); err != nil {
			log.Error().Err(err).Msg("Session source failed")
			if onFatalError != nil {
				onFatalError(err)
			}
		}
	}()

	go s.Debouncer.Run(ctx, raw, filtered)

	// The machine re-evaluates thresholds on the same cadence the idle
	// counter is sampled.
	s.ticker = time.NewTicker(s.cfg.Poll.Interval.Duration())
	go s.Machine.Run(ctx, filtered, s.ticker.C)

	go func() {
		if err := s.Dispatcher.Run(ctx, s.Machine.Intents()); err != nil {
			log.Error().Err(err).Msg("Dispatcher failed")
		}
	}()

	if s.Ledger != nil {
		retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
		s.Ledger.StartCleanup(ctx, s.cfg.Ledger.CleanupInterval.Duration(), retention)
	}

	s.Health.Start(ctx)

	log.Info().
		Str("instance", s.InstanceID).
		Str("daemon", s.cfg.Daemon.Address).
		Msg("Pipeline started")

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.Ledger != nil {
		s.Ledger.Close()
	}
}
