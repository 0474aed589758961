// Package timer derives the countdown state of a speaking slot from its
// deadline. It holds no state of its own; every client computes the same
// answer from slotEndsAt and the current time.
package timer

import (
	"fmt"
	"math"
	"time"
)

// Phase is the display phase of a slot countdown.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseNormal   Phase = "normal"
	PhaseWarning  Phase = "warning"
	PhaseCritical Phase = "critical"
	PhaseExpired  Phase = "expired"
	PhaseOverTime Phase = "overtime"
)

// minCriticalSeconds is the floor of the critical window for short slots.
const minCriticalSeconds = 5.0

// State is the countdown of one slot at one instant.
type State struct {
	Active           bool  `json:"active"`
	RemainingSeconds int   `json:"remainingSeconds"`
	OverTimeSeconds  int   `json:"overTimeSeconds"`
	Phase            Phase `json:"phase"`
	IsWarning        bool  `json:"isWarning"`
	IsCritical       bool  `json:"isCritical"`
	IsExpired        bool  `json:"isExpired"`
	IsOverTime       bool  `json:"isOverTime"`
}

// Thresholds returns the warning and critical limits, in seconds, for a slot
// of the given length.
func Thresholds(slotDurationSeconds int) (warning, critical float64) {
	d := float64(slotDurationSeconds)
	return d * 0.25, math.Max(d*0.125, minCriticalSeconds)
}

// Compute evaluates the countdown. A zero slotEndsAt (milliseconds since the
// epoch) means no slot is running.
func Compute(slotEndsAt int64, slotDurationSeconds int, now time.Time) State {
	if slotEndsAt == 0 {
		return State{Phase: PhaseIdle}
	}

	remaining := int(math.Ceil(float64(slotEndsAt-now.UnixMilli()) / 1000))
	warning, critical := Thresholds(slotDurationSeconds)

	st := State{
		Active:           true,
		RemainingSeconds: remaining,
		IsExpired:        remaining <= 0,
		IsOverTime:       remaining < 0,
	}
	if st.IsOverTime {
		st.OverTimeSeconds = -remaining
	}
	if remaining > 0 {
		st.IsWarning = float64(remaining) <= warning
		st.IsCritical = float64(remaining) <= critical
	}

	switch {
	case st.IsOverTime:
		st.Phase = PhaseOverTime
	case st.IsExpired:
		st.Phase = PhaseExpired
	case st.IsCritical:
		st.Phase = PhaseCritical
	case st.IsWarning:
		st.Phase = PhaseWarning
	default:
		st.Phase = PhaseNormal
	}
	return st
}

// Format renders seconds as m:ss, prefixing a minus sign for overtime.
func Format(seconds int) string {
	sign := ""
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	return fmt.Sprintf("%s%d:%02d", sign, seconds/60, seconds%60)
}
