package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)

func endsIn(ms int64) int64 {
	return now.UnixMilli() + ms
}

func TestComputeIdleWithoutDeadline(t *testing.T) {
	st := Compute(0, 120, now)
	require.False(t, st.Active)
	require.Equal(t, PhaseIdle, st.Phase)
	require.Zero(t, st.RemainingSeconds)
}

func TestComputeWarningWindow(t *testing.T) {
	st := Compute(endsIn(13_000), 120, now)
	require.Equal(t, 13, st.RemainingSeconds)
	require.True(t, st.IsWarning)
	require.True(t, st.IsCritical)
	require.Equal(t, PhaseCritical, st.Phase)

	st = Compute(endsIn(25_000), 120, now)
	require.True(t, st.IsWarning)
	require.False(t, st.IsCritical)
	require.Equal(t, PhaseWarning, st.Phase)
}

func TestComputeFarFromDeadlineIsNormal(t *testing.T) {
	st := Compute(endsIn(130_000), 120, now)
	require.Equal(t, 130, st.RemainingSeconds)
	require.False(t, st.IsWarning)
	require.Equal(t, PhaseNormal, st.Phase)
}

func TestComputeRoundsUpPartialSeconds(t *testing.T) {
	require.Equal(t, 60, Compute(endsIn(59_001), 60, now).RemainingSeconds)
	require.Equal(t, 1, Compute(endsIn(1), 60, now).RemainingSeconds)
}

func TestComputeOverTime(t *testing.T) {
	st := Compute(endsIn(-5_000), 120, now)
	require.Equal(t, -5, st.RemainingSeconds)
	require.True(t, st.IsOverTime)
	require.True(t, st.IsExpired)
	require.Equal(t, 5, st.OverTimeSeconds)
	require.False(t, st.IsWarning)
	require.Equal(t, PhaseOverTime, st.Phase)
}

func TestComputeExactlyExpired(t *testing.T) {
	st := Compute(endsIn(0), 120, now)
	require.Zero(t, st.RemainingSeconds)
	require.True(t, st.IsExpired)
	require.False(t, st.IsOverTime)
	require.Equal(t, PhaseExpired, st.Phase)
}

func TestCriticalFloorForShortSlots(t *testing.T) {
	warning, critical := Thresholds(20)
	require.Equal(t, 5.0, warning)
	require.Equal(t, 5.0, critical)

	st := Compute(endsIn(4_000), 20, now)
	require.True(t, st.IsCritical)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "2:00", Format(120))
	require.Equal(t, "0:07", Format(7))
	require.Equal(t, "-0:05", Format(-5))
	require.Equal(t, "-1:05", Format(-65))
}
