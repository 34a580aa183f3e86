package timeout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestOrderingAndCancel reproduces scenario S5 from spec §8: A@100ms,
// B@50ms, C@75ms scheduled at t=0 fire in order B, C, A; cancelling C
// at t=60ms leaves B, A.
func TestOrderingAndCancel(t *testing.T) {
	w := New()
	w.SetNow(0)

	var fired []string
	a := w.Add(Ticks(100*10000), func(any) { fired = append(fired, "A") }, nil)
	_ = a
	w.Add(Ticks(50*10000), func(any) { fired = append(fired, "B") }, nil)
	c := w.Add(Ticks(75*10000), func(any) { fired = append(fired, "C") }, nil)

	w.Expire(Ticks(60 * 10000))
	require.Equal(t, []string{"B"}, fired)

	w.Cancel(c)
	w.Expire(Ticks(200 * 10000))
	require.Equal(t, []string{"B", "A"}, fired)
}

func TestNextTimeoutMillisEmptyIsMinusOne(t *testing.T) {
	w := New()
	require.Equal(t, -1, w.NextTimeoutMillis())
}

func TestNextTimeoutMillisReportsSoonestDeadline(t *testing.T) {
	w := New()
	w.SetNow(0)
	w.Add(Ticks(250*10000), func(any) {}, nil) // 250ms away
	require.InDelta(t, 250, w.NextTimeoutMillis(), 1)
}

func TestCallbackMayScheduleFurtherEntries(t *testing.T) {
	w := New()
	w.SetNow(0)
	var ran []int
	w.Add(Ticks(10*10000), func(any) {
		ran = append(ran, 1)
		w.Add(w.Now(), func(any) { ran = append(ran, 2) }, nil)
	}, nil)
	w.Expire(Ticks(10 * 10000))
	require.Equal(t, []int{1}, ran, "an entry added during Expire must not run in the same pass")
	w.Expire(Ticks(10 * 10000))
	require.Equal(t, []int{1, 2}, ran)
}
