package cancel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlag_AbortIsIdempotent(t *testing.T) {
	var f Flag
	require.False(t, f.Aborted())
	require.True(t, f.Abort(), "first abort succeeds")
	require.False(t, f.Abort(), "second abort reports AbortAlreadyPending")
	require.True(t, f.Aborted())
}

func TestFlag_ResetClearsState(t *testing.T) {
	var f Flag
	f.Abort()
	f.Reset()
	require.False(t, f.Aborted())
}

func TestThrottle_DropsWithinPeriod(t *testing.T) {
	th := NewThrottle(50 * time.Millisecond)
	now := time.Now()
	require.True(t, th.Allow(now), "first call always allowed")
	require.False(t, th.Allow(now.Add(10*time.Millisecond)))
	require.True(t, th.Allow(now.Add(60*time.Millisecond)))
}

func TestThrottle_DisabledWhenZeroPeriod(t *testing.T) {
	th := NewThrottle(0)
	now := time.Now()
	require.True(t, th.Allow(now))
	require.True(t, th.Allow(now))
}

func TestThrottledToken_DropsCallsUnderFloor(t *testing.T) {
	var calls int
	cb := ThrottledToken(func(string) bool { calls++; return true }, time.Hour)
	cb("a")
	cb("b")
	require.Equal(t, 1, calls, "second call within the floor should be dropped")
}
