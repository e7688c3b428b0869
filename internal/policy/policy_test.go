package policy

import (
	"testing"
	"time"

	"github.com/dokzlo13/glowd/internal/session"
)

// at builds a timestamp on an arbitrary date at the given wall-clock time.
func at(hour, min int) time.Time {
	return time.Date(2025, time.March, 12, hour, min, 0, 0, time.UTC)
}

func testThresholds(t *testing.T) Thresholds {
	t.Helper()

	night, err := ParseWindow("23:00", "08:00")
	if err != nil {
		t.Fatalf("parse night window: %v", err)
	}
	curfew, err := ParseWindow("01:30", "08:00")
	if err != nil {
		t.Fatalf("parse curfew window: %v", err)
	}

	return Thresholds{
		DayIdleTimeout:   3 * time.Hour,
		NightIdleTimeout: 25 * time.Minute,
		Night:            night,
		Curfew:           curfew,
	}
}

func evPtr(k session.Kind) *session.Event {
	ev := session.Event{Kind: k}
	return &ev
}

func idlePtr(d time.Duration) *session.Event {
	ev := session.Event{Kind: session.KindIdle, Idle: d}
	return &ev
}

func TestDecide(t *testing.T) {
	cfg := testThresholds(t)

	tests := []struct {
		name  string
		phase Phase
		ev    *session.Event
		idle  time.Duration
		now   time.Time
		want  Decision
	}{
		// === Suspend dominates everything ===
		{
			name:  "suspend/from_active",
			phase: PhaseActive,
			ev:    evPtr(session.KindSuspending),
			now:   at(14, 0),
			want:  Decision{Phase: PhaseSuspended, On: false},
		},
		{
			name:  "suspend/from_idle_with_huge_idle",
			phase: PhaseIdle,
			ev:    evPtr(session.KindSuspending),
			idle:  10 * time.Hour,
			now:   at(14, 0),
			want:  Decision{Phase: PhaseSuspended, On: false},
		},
		{
			name:  "suspend/stays_off_on_tick",
			phase: PhaseSuspended,
			now:   at(14, 0),
			want:  Decision{Phase: PhaseSuspended, On: false},
		},
		{
			name:  "suspend/resume_turns_on",
			phase: PhaseSuspended,
			ev:    evPtr(session.KindResumed),
			now:   at(14, 0),
			want:  Decision{Phase: PhaseActive, On: true},
		},

		// === Lock ===
		{
			name:  "lock/inside_curfew_zero_idle",
			phase: PhaseActive,
			ev:    evPtr(session.KindLocked),
			idle:  0,
			now:   at(2, 0),
			want:  Decision{Phase: PhaseLocked, On: false},
		},
		{
			name:  "lock/outside_curfew",
			phase: PhaseActive,
			ev:    evPtr(session.KindLocked),
			now:   at(14, 0),
			want:  Decision{Phase: PhaseLocked, On: false},
		},
		{
			name: "lock/while_already_idle_timed_out",
			// Still off; the machine suppresses the redundant intent.
			phase: PhaseIdle,
			ev:    evPtr(session.KindLocked),
			idle:  4 * time.Hour,
			now:   at(14, 0),
			want:  Decision{Phase: PhaseLocked, On: false},
		},
		{
			name:  "lock/stays_off_on_tick_despite_idle_reset",
			phase: PhaseLocked,
			idle:  0,
			now:   at(14, 0),
			want:  Decision{Phase: PhaseLocked, On: false},
		},
		{
			name:  "lock/unlock_turns_on",
			phase: PhaseLocked,
			ev:    evPtr(session.KindUnlocked),
			now:   at(3, 0),
			want:  Decision{Phase: PhaseActive, On: true},
		},

		// === Day idle timeout (3h) ===
		{
			name:  "day/below_timeout",
			phase: PhaseActive,
			idle:  3*time.Hour - time.Second,
			now:   at(14, 0),
			want:  Decision{Phase: PhaseActive, On: true},
		},
		{
			name: "day/exactly_at_timeout",
			// The boundary rule is "at least": the timeout fires at the
			// configured duration, not one tick later.
			phase: PhaseActive,
			idle:  3 * time.Hour,
			now:   at(14, 0),
			want:  Decision{Phase: PhaseIdle, On: false},
		},
		{
			name:  "day/above_timeout",
			phase: PhaseActive,
			idle:  3*time.Hour + time.Second,
			now:   at(14, 0),
			want:  Decision{Phase: PhaseIdle, On: false},
		},

		// === Night idle timeout (25m, 23:00-08:00) ===
		{
			name:  "night/short_timeout_applies",
			phase: PhaseActive,
			idle:  26 * time.Minute,
			now:   at(23, 10),
			want:  Decision{Phase: PhaseIdle, On: false},
		},
		{
			name:  "night/below_short_timeout",
			phase: PhaseActive,
			idle:  24 * time.Minute,
			now:   at(23, 10),
			want:  Decision{Phase: PhaseActive, On: true},
		},
		{
			name: "night/gap_before_curfew_uses_night_timeout",
			// 23:00-01:30 is night but not curfew; the short idle rule
			// governs on its own there.
			phase: PhaseActive,
			idle:  30 * time.Minute,
			now:   at(0, 30),
			want:  Decision{Phase: PhaseIdle, On: false},
		},
		{
			name:  "night/window_wraps_past_midnight",
			phase: PhaseActive,
			idle:  26 * time.Minute,
			now:   at(7, 59),
			want:  Decision{Phase: PhaseIdle, On: false},
		},
		{
			name:  "night/day_rule_right_after_window_ends",
			phase: PhaseActive,
			idle:  26 * time.Minute,
			now:   at(8, 0),
			want:  Decision{Phase: PhaseActive, On: true},
		},

		// === Recovery from idle ===
		{
			name: "idle/counter_reset_reactivates",
			// A fresh low idle sample while timed out means user input:
			// back to active, lights on.
			phase: PhaseIdle,
			ev:    idlePtr(30 * time.Second),
			idle:  30 * time.Second,
			now:   at(14, 0),
			want:  Decision{Phase: PhaseActive, On: true},
		},
		{
			name:  "idle/unlock_reactivates",
			phase: PhaseIdle,
			ev:    evPtr(session.KindUnlocked),
			now:   at(14, 0),
			want:  Decision{Phase: PhaseActive, On: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cfg.Decide(tt.phase, tt.ev, tt.idle, tt.now)
			if got != tt.want {
				t.Errorf("Decide(%s, %v, %s, %s) = %+v, want %+v",
					tt.phase, tt.ev, tt.idle, tt.now.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestWindowContains(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		now        time.Time
		want       bool
	}{
		{"plain/inside", "01:30", "08:00", at(2, 0), true},
		{"plain/before", "01:30", "08:00", at(1, 29), false},
		{"plain/at_start", "01:30", "08:00", at(1, 30), true},
		{"plain/at_end_excluded", "01:30", "08:00", at(8, 0), false},
		{"wrap/late_evening", "23:00", "08:00", at(23, 30), true},
		{"wrap/early_morning", "23:00", "08:00", at(3, 0), true},
		{"wrap/daytime_outside", "23:00", "08:00", at(12, 0), false},
		{"wrap/to_midnight", "23:00", "24:00", at(23, 59), true},
		{"wrap/to_midnight_excludes_midnight", "23:00", "24:00", at(0, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWindow(tt.start, tt.end)
			if err != nil {
				t.Fatalf("ParseWindow(%q, %q): %v", tt.start, tt.end, err)
			}
			if got := w.Contains(tt.now); got != tt.want {
				t.Errorf("%s.Contains(%s) = %v, want %v", w, tt.now.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		expr    string
		want    TimeOfDay
		wantErr bool
	}{
		{expr: "23:00", want: TimeOfDay{23, 0}},
		{expr: "01:30", want: TimeOfDay{1, 30}},
		{expr: " 08:00 ", want: TimeOfDay{8, 0}},
		{expr: "24:00", want: TimeOfDay{0, 0}},
		{expr: "25:00", wantErr: true},
		{expr: "12:60", wantErr: true},
		{expr: "noon", wantErr: true},
		{expr: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTimeOfDay(%q): expected error, got %v", tt.expr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeOfDay(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestThresholdsValidate(t *testing.T) {
	valid := testThresholds(t)

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid thresholds rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Thresholds)
	}{
		{"missing_day_timeout", func(c *Thresholds) { c.DayIdleTimeout = 0 }},
		{"negative_night_timeout", func(c *Thresholds) { c.NightIdleTimeout = -time.Minute }},
		{"missing_night_window", func(c *Thresholds) { c.Night = Window{} }},
		{"missing_curfew_window", func(c *Thresholds) { c.Curfew = Window{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
