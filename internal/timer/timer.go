// Package timer implements the waitable timer of component C13: set,
// cancel, periodic re-arm, and APC delivery on expiry, layered on the
// timeout wheel (C4) and the object core's wait-queue wakeup (C8).
//
// Grounded on the teacher's fuse notion of a single callback fired
// from one central loop (generalized from the timeout wheel's own
// Add/Cancel), and on spec §4.13 for the APC_TIMER/APC_NONE split.
package timer

import (
	"go.uber.org/zap"

	"github.com/kserverd/kserver/internal/async"
	"github.com/kserverd/kserver/internal/object"
	"github.com/kserverd/kserver/internal/timeout"
	"github.com/kserverd/kserver/internal/wait"
)

// ApcType distinguishes a user-callback APC from a plain wake-only
// one, per spec §4.13 "call type APC_TIMER if callback is nonzero,
// else a wake-only APC_NONE".
type ApcType int

const (
	ApcNone ApcType = iota
	ApcTimer
)

// TimerCallback is called on expiry, directly from the timeout wheel's
// Expire pass; it is not queued as an APC on the setter thread.
type TimerCallback func(arg any)

// Timer is a waitable timer object, per spec §3/§4.13.
type Timer struct {
	object.Header

	manual   bool
	signaled bool

	wheel *timeout.Wheel
	entry *timeout.Entry

	callback TimerCallback
	arg      any
	period   int64 // milliseconds, per spec §4.13 "when += period*10000 ticks"

	setterThread  async.ClientThread
	pendingApc    *async.Async
	lastApcType   ApcType
}

// LastApcType reports whether the most recent expiry was an APC_TIMER
// one (user callback present and called) or a wake-only APC_NONE.
func (t *Timer) LastApcType() ApcType { return t.lastApcType }

func New(wheel *timeout.Wheel, manual bool, log *zap.Logger) *Timer {
	return &Timer{Header: object.NewHeader(object.TypeTimer, log), manual: manual, wheel: wheel}
}

func (t *Timer) Dump(bool) string      { return "Timer" }
func (t *Timer) GetType() object.Type  { return object.TypeTimer }
func (t *Timer) AddWait(e *object.WaitEntry)    { t.AddWaitEntry(e) }
func (t *Timer) RemoveWait(e *object.WaitEntry) { t.RemoveWaitEntry(e) }
func (t *Timer) Signaled(*object.WaitEntry) bool { return t.signaled }
func (t *Timer) Satisfied(*object.WaitEntry) {
	if !t.manual {
		t.signaled = false
	}
}
func (t *Timer) Signal(uint32) bool { return false }
func (t *Timer) GetFD() (any, bool) { return nil, false }
func (t *Timer) MapAccess(mask uint32) uint32 { return mask }
func (t *Timer) LookupName(string, uint32) (object.Object, bool) { return nil, false }
func (t *Timer) LinkName(*object.NameEntry) bool { return true }
func (t *Timer) UnlinkName(*object.NameEntry)    {}
func (t *Timer) OpenFile(uint32, uint32, uint32) (object.Object, bool) {
	return nil, false
}
func (t *Timer) CloseHandle() bool { return true }
func (t *Timer) Destroy()          { t.Cancel() }

// ticksFromExpire implements spec §4.13 "when = max(now, expire) or
// now + (-expire) if expire is negative (relative)".
func ticksFromExpire(now timeout.Ticks, expire int64) timeout.Ticks {
	if expire < 0 {
		return now + timeout.Ticks(-expire)
	}
	when := timeout.Ticks(expire)
	if when < now {
		return now
	}
	return when
}

// Set implements spec §4.13 Set: clears any prior pending timeout and
// APC, then schedules a new timeout-wheel entry.
func (t *Timer) Set(now timeout.Ticks, expire int64, period int64, thread async.ClientThread, cb TimerCallback, arg any) {
	t.clearPending()

	t.callback = cb
	t.arg = arg
	t.period = period
	t.setterThread = thread

	when := ticksFromExpire(now, expire)
	t.entry = t.wheel.Add(when, func(any) { t.fire(when) }, nil)
}

func (t *Timer) clearPending() {
	if t.entry != nil {
		t.wheel.Cancel(t.entry)
		t.entry = nil
	}
	if t.pendingApc != nil {
		t.pendingApc = nil
	}
}

// fire is invoked by the timeout wheel on expiry: it records the APC
// type, calls the callback (if any) at once, signals, wakes waiters,
// and re-arms if periodic.
func (t *Timer) fire(when timeout.Ticks) {
	t.lastApcType = ApcNone
	if t.callback != nil {
		t.lastApcType = ApcTimer
		t.callback(t.arg)
	}

	t.signaled = true
	wait.WakeUp(t, 0)

	if t.period > 0 {
		nextWhen := when + timeout.Ticks(t.period*10000)
		t.entry = t.wheel.Add(nextWhen, func(any) { t.fire(nextWhen) }, nil)
	} else {
		t.entry = nil
	}
}

// Cancel implements spec §4.13 Cancel: removes the pending timeout and
// returns the previous signaled value. Callbacks run at expiry, so no
// undelivered APC is left for it to cancel.
func (t *Timer) Cancel() bool {
	prev := t.signaled
	t.clearPending()
	return prev
}
