//go:build linux

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	logindPath         = "/org/freedesktop/login1"
	logindInterface    = "org.freedesktop.login1.Manager"
	prepareForSleep    = logindInterface + ".PrepareForSleep"
	screensaverDest    = "org.freedesktop.ScreenSaver"
	screensaverPath    = "/org/freedesktop/ScreenSaver"
	activeChanged      = screensaverDest + ".ActiveChanged"
	sessionIdleTimeGet = screensaverDest + ".GetSessionIdleTime"
)

// dbusSource watches logind for sleep/resume and the desktop screensaver
// service for lock/unlock, and polls the session idle counter.
type dbusSource struct {
	poll time.Duration
}

func newPlatformSource(pollInterval time.Duration) (Source, error) {
	return &dbusSource{poll: pollInterval}, nil
}

// Run subscribes to the D-Bus signals and blocks until ctx is cancelled.
// Subscription failures are fatal: without them there is no event
// visibility and the agent cannot do its job.
func (s *dbusSource) Run(ctx context.Context, out chan<- Event) error {
	sys, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}

	if err := sys.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchMember("PrepareForSleep"),
	); err != nil {
		return fmt.Errorf("subscribe to PrepareForSleep: %w", err)
	}

	ses, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}

	if err := ses.AddMatchSignal(
		dbus.WithMatchObjectPath(screensaverPath),
		dbus.WithMatchInterface(screensaverDest),
		dbus.WithMatchMember("ActiveChanged"),
	); err != nil {
		return fmt.Errorf("subscribe to ActiveChanged: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	sys.Signal(signals)
	ses.Signal(signals)
	defer sys.RemoveSignal(signals)
	defer ses.RemoveSignal(signals)

	saver := ses.Object(screensaverDest, screensaverPath)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	log.Info().
		Dur("poll_interval", s.poll).
		Msg("Session source started (D-Bus logind + screensaver)")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Session source stopped")
			return nil

		case sig := <-signals:
			if sig == nil {
				continue
			}
			s.handleSignal(ctx, sig, out)

		case <-ticker.C:
			// Transient poll failures are skipped, never fatal.
			var idleSeconds uint32
			call := saver.CallWithContext(ctx, sessionIdleTimeGet, 0)
			if call.Err != nil {
				log.Warn().Err(call.Err).Msg("Idle time poll failed, skipping cycle")
				continue
			}
			if err := call.Store(&idleSeconds); err != nil {
				log.Warn().Err(err).Msg("Unexpected idle time reply, skipping cycle")
				continue
			}
			emit(ctx, out, IdleEvent(time.Duration(idleSeconds)*time.Second))
		}
	}
}

func (s *dbusSource) handleSignal(ctx context.Context, sig *dbus.Signal, out chan<- Event) {
	if len(sig.Body) < 1 {
		return
	}

	switch sig.Name {
	case prepareForSleep:
		entering, ok := sig.Body[0].(bool)
		if !ok {
			return
		}
		if entering {
			log.Debug().Msg("System entering sleep")
			emit(ctx, out, StateEvent(KindSuspending))
		} else {
			log.Debug().Msg("System resumed from sleep")
			emit(ctx, out, StateEvent(KindResumed))
		}

	case activeChanged:
		active, ok := sig.Body[0].(bool)
		if !ok {
			return
		}
		if active {
			log.Debug().Msg("Session locked")
			emit(ctx, out, StateEvent(KindLocked))
		} else {
			log.Debug().Msg("Session unlocked")
			emit(ctx, out, StateEvent(KindUnlocked))
		}
	}
}
