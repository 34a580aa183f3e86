// Package wait implements the multi-object wait engine of component
// C8: wait-all vs wait-any evaluation, alertable/APC interaction, and
// abandon semantics.
//
// Per spec §5, the whole server is single-threaded and cooperative:
// every mutation, including wait completion, happens on the single
// main-loop goroutine between poll() returns. This package is
// therefore intentionally lock-free; concurrent use from multiple
// goroutines is not supported and is not the architecture this code
// implements.
package wait

import (
	"golang.org/x/sync/semaphore"

	"github.com/kserverd/kserver/internal/object"
	"github.com/kserverd/kserver/internal/status"
	"github.com/kserverd/kserver/internal/timeout"
)

// MaxObjects is the spec §3/§4.1 "up to 64 objects" limit.
const MaxObjects = 64

// MaxConcurrentWaitEntries bounds the total number of live WaitEntry
// registrations across the whole server at once, per the domain
// stack's "bounding concurrent wait-set size" entry: a client opening
// unbounded waits should not be able to grow every object's wait
// queue without limit.
const MaxConcurrentWaitEntries = 1 << 16

var waitSlots = semaphore.NewWeighted(MaxConcurrentWaitEntries)

// Outcome describes how a wait finished.
type Outcome int

const (
	Pending Outcome = iota
	Satisfied
	TimedOut
	APCDelivered
	Abandoned
)

// Result is delivered to OnComplete once a wait resolves.
type Result struct {
	Outcome Outcome
	Index   int // which object satisfied a wait-any; -1 for wait-all
	Status  status.Code
}

// Waiter represents one pending multi-object wait, per spec §4.1 /
// §4.8. It is created via Begin and, if not immediately satisfied,
// lives on each object's wait queue until woken, timed out, or
// cancelled.
type Waiter struct {
	objs      []object.Object
	entries   []*object.WaitEntry
	all       bool
	alertable bool

	resolved bool
	released bool

	OnComplete func(Result)

	timeoutEntry *timeout.Entry
}

// Begin starts a wait over objs, per spec §4.8 steps 1-6.
//
// caller is an opaque identity (e.g. the acquiring thread id) stamped
// on every WaitEntry so a type's Satisfied can recover who is becoming
// the new owner when granted through this path, rather than only
// through a direct Acquire call; see syncobj.Mutex.Satisfied.
//
// apcPending reports whether the calling thread already has a queued
// user APC (step 4); apcPending is only consulted when alertable.
func Begin(objs []object.Object, waitAll, alertable bool, caller any, apcPending func() bool) (*Waiter, Result) {
	w := &Waiter{objs: objs, all: waitAll, alertable: alertable}

	if !waitSlots.TryAcquire(int64(len(objs))) {
		w.released = true
		return w, Result{Outcome: Abandoned, Index: -1, Status: status.NoMemory}
	}

	w.entries = make([]*object.WaitEntry, len(objs))

	for i, obj := range objs {
		idx := i
		e := &object.WaitEntry{Obj: obj, Caller: caller}
		e.Notify = func(*object.WaitEntry) { w.onSignal(idx) }
		obj.AddWait(e)
		w.entries[i] = e
	}

	if sat, idx := w.checkSatisfied(); sat {
		w.commit(idx)
		return w, Result{Outcome: Satisfied, Index: idx, Status: status.OK}
	}

	if alertable && apcPending != nil && apcPending() {
		w.teardown()
		return w, Result{Outcome: APCDelivered, Status: status.UserAPC}
	}

	return w, Result{Outcome: Pending}
}

// ArmTimeout schedules a timeout-wheel entry that completes the wait
// with TIMEOUT (or IO_TIMEOUT, chosen by the caller via code) on
// expiry, per spec §4.8 step 6.
func (w *Waiter) ArmTimeout(wheel *timeout.Wheel, when timeout.Ticks, code status.Code) {
	w.timeoutEntry = wheel.Add(when, func(any) {
		if w.resolved {
			return
		}
		w.resolved = true
		w.teardown()
		w.deliver(Result{Outcome: TimedOut, Index: -1, Status: code})
	}, nil)
}

// checkSatisfied evaluates the step-2 predicate without side effects.
func (w *Waiter) checkSatisfied() (bool, int) {
	if w.all {
		for _, e := range w.entries {
			if !e.Obj.Signaled(e) {
				return false, -1
			}
		}
		return true, -1
	}
	for i, e := range w.entries {
		if e.Obj.Signaled(e) {
			return true, i
		}
	}
	return false, -1
}

// commit runs Satisfied on the contributing objects. For wait-all
// every object contributes; for wait-any only the satisfying one
// does, matching "either all consuming side effects apply, or none"
// (spec §4.8 step 3): checkSatisfied is re-verified immediately
// before commit runs, and because the server is single-threaded
// nothing can invalidate that check in between.
func (w *Waiter) commit(satisfiedIndex int) {
	if w.all {
		for _, e := range w.entries {
			e.Obj.Satisfied(e)
		}
	} else {
		w.entries[satisfiedIndex].Obj.Satisfied(w.entries[satisfiedIndex])
	}
	w.teardown()
}

// onSignal is invoked by an object's wake_up machinery (any WaitEntry
// Notify) when that object's state may have changed; it re-evaluates
// the whole wait and resolves it if now satisfied.
func (w *Waiter) onSignal(idx int) {
	if w.resolved {
		return
	}
	sat, satIdx := w.checkSatisfied()
	if !sat {
		return
	}
	w.resolved = true
	w.commit(satIdx)
	w.deliver(Result{Outcome: Satisfied, Index: satIdx, Status: status.OK})
}

func (w *Waiter) teardown() {
	for i, e := range w.entries {
		w.objs[i].RemoveWait(e)
	}
	if w.timeoutEntry != nil {
		// Only the reference is dropped here: Waiter.Cancel cancels the
		// entry itself, and an entry still on the wheel after onSignal
		// resolved the wait returns without effect when it fires.
		w.timeoutEntry = nil
	}
	if !w.released {
		w.released = true
		waitSlots.Release(int64(len(w.entries)))
	}
}

func (w *Waiter) deliver(r Result) {
	if w.OnComplete != nil {
		w.OnComplete(r)
	}
}

// Cancel aborts a still-pending wait, e.g. on thread exit.
func (w *Waiter) Cancel(wheel *timeout.Wheel) {
	if w.resolved {
		return
	}
	w.resolved = true
	if w.timeoutEntry != nil {
		wheel.Cancel(w.timeoutEntry)
	}
	w.teardown()
}

// WakeUp implements spec §4.8 "Signal funneling": evaluate wait
// conditions for each queued entry in queue order, granting
// completions up to max (0 = unlimited). Callers invoke this after a
// state transition (e.g. an event becoming signaled) warrants it.
func WakeUp(obj object.Object, max int) int {
	granted := 0
	var toNotify []*object.WaitEntry
	obj.Header().WaitQueue().Each(func(e *object.WaitEntry) bool {
		toNotify = append(toNotify, e)
		return true
	})
	for _, e := range toNotify {
		if max > 0 && granted >= max {
			break
		}
		if e.Notify != nil {
			e.Notify(e)
		}
		// A completed wait has torn down its entries, so e left obj's queue.
		stillQueued := false
		obj.Header().WaitQueue().Each(func(x *object.WaitEntry) bool { stillQueued = x == e; return !stillQueued })
		if !stillQueued {
			granted++
		}
	}
	return granted
}
