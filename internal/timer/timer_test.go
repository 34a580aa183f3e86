package timer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kserverd/kserver/internal/timeout"
	"github.com/kserverd/kserver/internal/timer"
)

func TestOneShotTimerFiresAndClearsSignal(t *testing.T) {
	wheel := timeout.New()
	wheel.SetNow(1000)

	tm := timer.New(wheel, false, nil) // auto-reset
	var fired bool
	tm.Set(1000, 1100, 0, 1, func(any) { fired = true }, nil)

	wheel.Expire(1100)
	require.True(t, fired)
	require.Equal(t, timer.ApcTimer, tm.LastApcType())
	require.True(t, tm.Signaled(nil))
	tm.Satisfied(nil)
	require.False(t, tm.Signaled(nil), "auto-reset timer must clear its signal once a wait is satisfied")
}

func TestManualResetTimerStaysSignaled(t *testing.T) {
	wheel := timeout.New()
	wheel.SetNow(0)

	tm := timer.New(wheel, true, nil)
	tm.Set(0, 50, 0, 1, nil, nil)
	wheel.Expire(50)

	require.Equal(t, timer.ApcNone, tm.LastApcType())
	require.True(t, tm.Signaled(nil))
	tm.Satisfied(nil)
	require.True(t, tm.Signaled(nil), "manual-reset must stay signaled after Satisfied")
}

func TestPeriodicTimerReArms(t *testing.T) {
	wheel := timeout.New()
	wheel.SetNow(0)

	const periodMillis = 100
	tm := timer.New(wheel, false, nil)
	count := 0
	tm.Set(0, 100, periodMillis, 1, func(any) { count++ }, nil)

	require.Equal(t, 1, wheel.Len())
	wheel.Expire(100)
	require.Equal(t, 1, count)
	require.Equal(t, 1, wheel.Len(), "periodic timer must re-arm a fresh entry")

	nextWhen := timeout.Ticks(100 + periodMillis*10000)
	wheel.Expire(nextWhen)
	require.Equal(t, 2, count)
}

func TestCancelReturnsPreviousSignaledAndStopsReArm(t *testing.T) {
	wheel := timeout.New()
	wheel.SetNow(0)

	tm := timer.New(wheel, false, nil)
	tm.Set(0, 50, 100, 1, nil, nil)
	wheel.Expire(50)
	require.True(t, tm.Signaled(nil))

	prev := tm.Cancel()
	require.True(t, prev)
	require.Equal(t, 0, wheel.Len())
}

func TestSetClearsPriorPendingEntry(t *testing.T) {
	wheel := timeout.New()
	wheel.SetNow(0)

	tm := timer.New(wheel, false, nil)
	fired1 := false
	tm.Set(0, 50, 0, 1, func(any) { fired1 = true }, nil)
	require.Equal(t, 1, wheel.Len())

	fired2 := false
	tm.Set(0, 200, 0, 1, func(any) { fired2 = true }, nil)
	require.Equal(t, 1, wheel.Len(), "re-Set must cancel the prior entry, not add a second")

	wheel.Expire(50)
	require.False(t, fired1, "prior entry must not fire after being replaced")
	require.False(t, fired2)

	wheel.Expire(200)
	require.True(t, fired2)
}
