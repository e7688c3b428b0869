package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnsupportedPlatform is returned by NewPlatformSource on platforms
// without a session adapter.
var ErrUnsupportedPlatform = errors.New("no session source for this platform")

// Source produces the raw, infinite stream of session/power events for one
// platform. Run blocks until ctx is cancelled. A failure to establish the
// platform subscription is returned as an error; transient poll failures
// are logged and skipped, the source never silently stops producing.
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// NewPlatformSource returns the session source for the current platform.
// pollInterval controls how often the OS idle counter is sampled.
func NewPlatformSource(pollInterval time.Duration) (Source, error) {
	return newPlatformSource(pollInterval)
}

// emit delivers ev to out without blocking the OS notification path. If the
// consumer has stalled and the buffer is full, the event is dropped with a
// warning rather than wedging the callback.
func emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case <-ctx.Done():
	case out <- ev:
	default:
		log.Warn().Stringer("kind", ev.Kind).Msg("Event buffer full, dropping event")
	}
}
