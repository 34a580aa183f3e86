package wait_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kserverd/kserver/internal/object"
	"github.com/kserverd/kserver/internal/status"
	"github.com/kserverd/kserver/internal/syncobj"
	"github.com/kserverd/kserver/internal/wait"
)

// TestWaitAllAtomicity reproduces spec §8 property 9: wait-all on two
// auto-reset events, one already signaled, must not consume that
// event's signal until the other becomes available too. A second
// waiter on just the first event must still observe it signaled while
// the wait-all is pending.
func TestWaitAllAtomicity(t *testing.T) {
	e1 := syncobj.NewEvent(false, true, nil)
	e2 := syncobj.NewEvent(false, false, nil)

	w, res := wait.Begin([]object.Object{e1, e2}, true, false, nil, nil)
	require.Equal(t, wait.Pending, res.Outcome)

	// A lone waiter on e1 must still see it signaled: the wait-all
	// above must not have consumed it.
	w2, res2 := wait.Begin([]object.Object{e1}, false, false, nil, nil)
	require.Equal(t, wait.Satisfied, res2.Outcome)
	_ = w2

	w.Cancel(nil)
}

func TestWaitAllCompletesOnceBothSignaled(t *testing.T) {
	e1 := syncobj.NewEvent(false, true, nil)
	e2 := syncobj.NewEvent(false, false, nil)

	var got *wait.Result
	w, res := wait.Begin([]object.Object{e1, e2}, true, false, nil, nil)
	require.Equal(t, wait.Pending, res.Outcome)
	w.OnComplete = func(r wait.Result) { got = &r }

	e2.Signal(0)
	require.NotNil(t, got)
	require.Equal(t, wait.Satisfied, got.Outcome)
	require.False(t, e1.Signaled(nil), "auto-reset event consumed by wait-all must clear")
	require.False(t, e2.Signaled(nil))
}

func TestWaitAnyReturnsFirstSignaledIndex(t *testing.T) {
	e1 := syncobj.NewEvent(true, false, nil)
	e2 := syncobj.NewEvent(true, true, nil)

	_, res := wait.Begin([]object.Object{e1, e2}, false, false, nil, nil)
	require.Equal(t, wait.Satisfied, res.Outcome)
	require.Equal(t, 1, res.Index)
}

func TestMutexAbandonSurfacesToNextWaiter(t *testing.T) {
	m := syncobj.NewMutex(nil)
	m.Acquire(1)
	require.False(t, m.Signaled(nil))

	m.Abandon()
	require.True(t, m.Signaled(nil))
	require.True(t, m.TakeAbandoned())

	m.Acquire(2)
	_, ok := m.Release(2)
	require.True(t, ok)
	require.True(t, m.Signaled(nil))
}

func TestAlertableReturnsUserAPCWhenPending(t *testing.T) {
	e := syncobj.NewEvent(true, false, nil)
	_, res := wait.Begin([]object.Object{e}, false, true, nil, func() bool { return true })
	require.Equal(t, wait.APCDelivered, res.Outcome)
	require.Equal(t, status.UserAPC, res.Status)
}

// TestMutexAcquiredThroughWaitBeginSetsOwner drives a mutex through
// the real wait.Begin/commit path instead of the direct Acquire/
// Release bypass, per spec §4.8: the caller identity stamped on the
// WaitEntry must end up as the mutex's owner so a subsequent Release
// by that same thread id succeeds.
func TestMutexAcquiredThroughWaitBeginSetsOwner(t *testing.T) {
	m := syncobj.NewMutex(nil)
	const owner syncobj.ThreadID = 7

	_, res := wait.Begin([]object.Object{m}, false, false, owner, nil)
	require.Equal(t, wait.Satisfied, res.Outcome)
	require.False(t, m.Signaled(nil), "mutex must be owned after a granted wait")

	prev, ok := m.Release(owner)
	require.True(t, ok, "release by the thread the wait engine granted ownership to must succeed")
	require.EqualValues(t, 1, prev)
	require.True(t, m.Signaled(nil))
}

// TestMutexAcquiredThroughWaitBeginRejectsWrongOwner guards against a
// regression back to an unset/zero owner: releasing as a different
// thread id than the one wait.Begin granted to must fail.
func TestMutexAcquiredThroughWaitBeginRejectsWrongOwner(t *testing.T) {
	m := syncobj.NewMutex(nil)
	const owner, other syncobj.ThreadID = 7, 8

	_, res := wait.Begin([]object.Object{m}, false, false, owner, nil)
	require.Equal(t, wait.Satisfied, res.Outcome)

	_, ok := m.Release(other)
	require.False(t, ok)
}
