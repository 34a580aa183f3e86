// Package async implements the async/iosb engine of component C7:
// pending I/O records, cancellation, completion delivery, and APC
// posting, queued per fd and direction.
package async

import (
	"github.com/kserverd/kserver/internal/status"
	"github.com/kserverd/kserver/internal/timeout"
)

// Dir identifies which of an fd's three queues an async belongs to,
// per spec §3 "Async ... Queued on an AsyncQueue that belongs to an
// fd (per direction)".
type Dir int

const (
	DirRead Dir = iota
	DirWrite
	DirWait
)

// Iosb is the I/O status block of spec §3/GLOSSARY: it carries a
// status and result size across a potentially-suspended operation.
type Iosb struct {
	Status  status.Code
	Result  uint32
	InData  []byte
	OutData []byte
}

// ClientThread identifies the thread an Async is queued on, for APC
// FIFO ordering. CancelProcessAsyncs matches on ProcessID instead.
type ClientThread uint64

// ApcFunc is delivered to the owning thread on completion.
type ApcFunc func(a *Async)

// Async is one pending client I/O, per spec §3/GLOSSARY.
type Async struct {
	Thread    ClientThread
	ProcessID uint64
	Iosb      *Iosb
	apc       ApcFunc
	completed bool
	timeout   *timeout.Entry
	dir       Dir
	queue     *Queue
}

func New(thread ClientThread, process uint64, iosb *Iosb, apc ApcFunc) *Async {
	return &Async{Thread: thread, ProcessID: process, Iosb: iosb, apc: apc}
}

func (a *Async) Completed() bool { return a.completed }

// Queue is one of an fd's three per-direction async queues. Entries
// complete in FIFO order (spec §5 "FIFO per async queue, per direction").
type Queue struct {
	items []*Async
}

// Selectable is implemented by the fd layer so this package can ask
// for readiness and drive poll-mask updates without importing the fd
// package (which itself needs to reference async.Queue), avoiding an
// import cycle.
type Selectable interface {
	// ReadyNow reports whether the operation in direction dir would
	// complete immediately given current policy/readiness.
	ReadyNow(dir Dir) bool
	// EnsureSelecting arms or disarms the underlying pollset mask for
	// dir based on whether any async is still pending on it.
	EnsureSelecting(dir Dir, want bool)
}

// QueueAsync implements spec §4.7 queue_async: append, then either
// wake immediately (if the fd/device is ready by policy) or ensure
// the fd is selecting on the right readiness events.
func QueueAsync(sel Selectable, q *Queue, a *Async, dir Dir) {
	a.dir = dir
	a.queue = q
	q.items = append(q.items, a)
	if sel.ReadyNow(dir) {
		wakeLocked(q, status.OK)
		return
	}
	sel.EnsureSelecting(dir, Waiting(q))
}

// Waiting reports whether at least one async in the queue is still
// pending, per spec §4.7 async_waiting.
func Waiting(q *Queue) bool {
	for _, a := range q.items {
		if !a.completed {
			return true
		}
	}
	return false
}

// WakeUp completes every still-pending async in the queue with code,
// in FIFO order, delivering each one's APC. Per spec §4.7 async_wake_up.
func WakeUp(q *Queue, code status.Code) {
	wakeLocked(q, code)
}

func wakeLocked(q *Queue, code status.Code) {
	for _, a := range q.items {
		if a.completed {
			continue
		}
		complete(a, code)
	}
	compact(q)
}

func complete(a *Async, code status.Code) {
	if a.completed {
		return
	}
	a.completed = true
	if a.Iosb != nil {
		a.Iosb.Status = code
	}
	if a.timeout != nil {
		a.timeout = nil
	}
	if a.apc != nil {
		a.apc(a)
	}
}

func compact(q *Queue) {
	out := q.items[:0]
	for _, a := range q.items {
		if !a.completed {
			out = append(out, a)
		}
	}
	q.items = out
}

// SetTimeout arms a timeout-wheel entry that completes the async with
// code on expiry, per spec §4.7 async_set_timeout.
func SetTimeout(a *Async, wheel *timeout.Wheel, when timeout.Ticks, code status.Code) {
	a.timeout = wheel.Add(when, func(any) {
		complete(a, code)
		if a.queue != nil {
			compact(a.queue)
		}
	}, nil)
}

// CancelProcessAsyncs completes, in FIFO order, every still-pending
// async in q belonging to pid with CANCELLED, per spec §4.7 and the
// ordering guarantee of spec §8 property 13.
func CancelProcessAsyncs(q *Queue, pid uint64) {
	for _, a := range q.items {
		if !a.completed && a.ProcessID == pid {
			complete(a, status.Cancelled)
		}
	}
	compact(q)
}

// Len reports the number of entries still tracked (completed or not)
// for diagnostics/tests.
func (q *Queue) Len() int { return len(q.items) }
