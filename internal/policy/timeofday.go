package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Match patterns like "23:00", "01:30". "24:00" is accepted as midnight.
var clockPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses an "HH:MM" clock time.
func ParseTimeOfDay(expr string) (TimeOfDay, error) {
	expr = strings.TrimSpace(expr)

	matches := clockPattern.FindStringSubmatch(expr)
	if matches == nil {
		return TimeOfDay{}, fmt.Errorf("invalid clock time: %q", expr)
	}

	hour, _ := strconv.Atoi(matches[1])
	min, _ := strconv.Atoi(matches[2])

	if hour == 24 && min == 0 {
		hour = 0
	}
	if hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour: %d", hour)
	}
	if min < 0 || min > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute: %d", min)
	}

	return TimeOfDay{Hour: hour, Minute: min}, nil
}

// minuteOfDay returns the minute offset from midnight.
func (t TimeOfDay) minuteOfDay() int {
	return t.Hour*60 + t.Minute
}

// String formats the time as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Window is a half-open [Start, End) daily clock-time range. A window whose
// end is not after its start wraps past midnight; "23:00"-"00:00" covers the
// last hour of the day, "01:30"-"08:00" the early morning.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// ParseWindow parses a start and end clock time into a Window.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	if s == e {
		return Window{}, fmt.Errorf("window start and end are both %s", s)
	}
	return Window{Start: s, End: e}, nil
}

// Contains reports whether the wall-clock time of now falls inside the
// window, handling wrap past midnight.
func (w Window) Contains(now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()
	start := w.Start.minuteOfDay()
	end := w.End.minuteOfDay()

	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// IsZero reports whether the window was never set.
func (w Window) IsZero() bool {
	return w.Start == w.End
}

// String formats the window as "HH:MM-HH:MM".
func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}
