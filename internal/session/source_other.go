//go:build !linux && !windows

package session

import "time"

func newPlatformSource(time.Duration) (Source, error) {
	return nil, ErrUnsupportedPlatform
}
