// Package object implements the kernel object core (component C1):
// reference counting, vtable dispatch, and the per-object wait queue
// head that every other component builds on.
//
// The teacher's fuse.Handled (fuse/handle.go) is the closest analogue
// we had on hand for an embeddable, refcounted, registry-friendly
// struct; Header below generalizes that idea to a full vtable object
// with a name link and a wait queue instead of a bare handle map.
package object

import (
	"go.uber.org/zap"
)

// Type enumerates the closed set of kernel object types from spec §3.
type Type int

const (
	TypeDirectory Type = iota
	TypeSymbolicLink
	TypeFile
	TypeSection
	TypeEvent
	TypeMutex
	TypeSemaphore
	TypeTimer
	TypeKeyedEvent
	TypeIoCompletion
	TypeProcess
	TypeThread
	TypeToken
	TypeJob
	TypeDevice
	TypeKey
	TypeWindowStation
	TypeDesktop
	TypeNamedPipe
	TypeSocket
	TypeStartupInfo
)

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

var typeNames = [...]string{
	"Directory", "SymbolicLink", "File", "Section", "Event", "Mutex",
	"Semaphore", "Timer", "KeyedEvent", "IoCompletion", "Process",
	"Thread", "Token", "Job", "Device", "Key", "WindowStation",
	"Desktop", "NamedPipe", "Socket", "StartupInfo",
}

// Generic access rights, expanded per-type by Ops.MapAccess.
const (
	GenericRead uint32 = 1 << iota
	GenericWrite
	GenericExecute
	GenericAll
)

// SecurityDescriptor is an opaque, intentionally minimal stand-in: the
// core only ever copies and compares it, never interprets the ACL
// format (out of scope per spec §1 Non-goals: registry/security are
// collaborators, not core).
type SecurityDescriptor struct {
	Owner string
	Group string
	DACL  []byte
}

// NameEntry links an object into a parent directory's namespace, per
// spec §3 "Name entry". Parent is always a strong reference while the
// entry is linked.
type NameEntry struct {
	Parent        Object
	Name          string
	CaseSensitive bool
	Obj           Object
}

// WaitEntry is one waiter parked on an object's wait queue. The
// Notify callback is owned by the wait engine (package wait); object
// code only ever walks and invokes it, never interprets its payload,
// which is what keeps this package free of an import cycle with wait.
//
// Caller is an opaque identity the wait engine stamps on each entry at
// Begin time (e.g. the acquiring thread id), so that a type's
// Satisfied can recover who is becoming the new owner without this
// package needing to know what a thread id is. Types that don't care
// about caller identity simply ignore it.
type WaitEntry struct {
	Obj    Object
	Notify func(e *WaitEntry)
	Caller any

	prev, next *WaitEntry
	queue      *waitQueueHead
}

type waitQueueHead struct {
	head, tail *WaitEntry
	len        int
}

func (q *waitQueueHead) add(e *WaitEntry) {
	e.queue = q
	e.prev = q.tail
	e.next = nil
	if q.tail != nil {
		q.tail.next = e
	} else {
		q.head = e
	}
	q.tail = e
	q.len++
}

func (q *waitQueueHead) remove(e *WaitEntry) {
	if e.queue != q {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.tail = e.prev
	}
	e.prev, e.next, e.queue = nil, nil, nil
	q.len--
}

// Each walks the queue in FIFO (insertion) order, the ordering
// guarantee spec §5 requires for wake_up. fn returning false stops
// the walk early.
func (q *waitQueueHead) Each(fn func(e *WaitEntry) bool) {
	for e := q.head; e != nil; e = e.next {
		if !fn(e) {
			return
		}
	}
}

func (q *waitQueueHead) Len() int { return q.len }

// Ops is the per-type vtable of spec §4.1. Every type implements every
// method; a type that does not support an operation implements it as a
// no-op or a false/nil return (e.g. Signal returning false).
type Ops interface {
	Dump(verbose bool) string
	GetType() Type

	AddWait(e *WaitEntry)
	RemoveWait(e *WaitEntry)
	Signaled(e *WaitEntry) bool
	Satisfied(e *WaitEntry)
	Signal(access uint32) bool

	// GetFD returns the object's associated fd-layer wrapper as an
	// opaque value to avoid an object<->fd import cycle; callers use
	// fd.From(obj) to recover the concrete *fd.Fd.
	GetFD() (any, bool)

	MapAccess(mask uint32) uint32

	GetSD() *SecurityDescriptor
	SetSD(sd *SecurityDescriptor) bool

	// LookupName is implemented by container objects (directories).
	// ok is false when the type does not act as a container; symbolic
	// links return false too, since namespace.Lookup performs their
	// redirection.
	LookupName(name string, attrs uint32) (child Object, ok bool)
	LinkName(entry *NameEntry) bool
	UnlinkName(entry *NameEntry)

	// OpenFile is used when a client opens an existing named object
	// directly, e.g. a named pipe server instance.
	OpenFile(access, sharing, options uint32) (Object, bool)

	// CloseHandle returning false vetoes the close (HANDLE_NOT_CLOSABLE).
	CloseHandle() bool

	Destroy()
}

// Object is satisfied by *Header (embedded in every concrete type)
// plus that type's Ops implementation.
type Object interface {
	Ops
	Header() *Header
}

// Header is embedded as the first field of every concrete object
// type, the Go analogue of the C struct object base member.
type Header struct {
	refcount    int32
	handleCount int32
	typ         Type
	name        *NameEntry
	waitq       waitQueueHead
	sd          *SecurityDescriptor
	destroyed   bool

	log *zap.Logger
}

// NewHeader initializes a Header with refcount 1, per spec §3
// Lifecycle: "returns it with refcount 1".
func NewHeader(typ Type, log *zap.Logger) Header {
	if log == nil {
		log = zap.NewNop()
	}
	return Header{refcount: 1, typ: typ, log: log}
}

func (h *Header) Header() *Header { return h }

func (h *Header) RefCount() int32    { return h.refcount }
func (h *Header) HandleCount() int32 { return h.handleCount }
func (h *Header) Name() *NameEntry   { return h.name }
func (h *Header) SetName(n *NameEntry) { h.name = n }

func (h *Header) IncHandleCount() { h.handleCount++ }
func (h *Header) DecHandleCount() {
	if h.handleCount == 0 {
		panic("object: handle count underflow")
	}
	h.handleCount--
}

func (h *Header) WaitQueue() interface {
	Each(func(e *WaitEntry) bool)
	Len() int
} {
	return &h.waitq
}

func (h *Header) AddWaitEntry(e *WaitEntry)    { h.waitq.add(e) }
func (h *Header) RemoveWaitEntry(e *WaitEntry) { h.waitq.remove(e) }

// Grab increments the reference count, the Go equivalent of
// grab_object() in the original source.
func Grab(obj Object) Object {
	h := obj.Header()
	if h.destroyed {
		panic("object: grab of destroyed object")
	}
	h.refcount++
	return obj
}

// Release decrements the reference count and destroys the object on
// the 0 transition, per spec §4.1 release(). Destruction asserts the
// invariants from spec §3: empty wait queue, zero handle count. A
// failed assertion panics before the count is dropped, so the
// reference is still held afterwards.
func Release(obj Object) {
	h := obj.Header()
	if h.refcount <= 0 {
		panic("object: release of object with non-positive refcount")
	}
	if h.refcount > 1 {
		h.refcount--
		return
	}

	if h.waitq.Len() != 0 {
		panic("object: destroying object with non-empty wait queue")
	}
	if h.handleCount != 0 {
		panic("object: destroying object with nonzero handle count")
	}
	if h.destroyed {
		panic("object: double free")
	}
	h.refcount = 0

	if h.name != nil {
		obj.UnlinkName(h.name)
		Release(h.name.Parent)
		h.name = nil
	}

	obj.Destroy()
	h.destroyed = true
	h.sd = nil
}

// Destroyed reports whether Destroy() has already run, for tests that
// need to observe destruction exactly once (spec §8 property 1).
func (h *Header) Destroyed() bool { return h.destroyed }

func (h *Header) GetSD() *SecurityDescriptor { return h.sd }
func (h *Header) SetSD(sd *SecurityDescriptor) bool {
	h.sd = sd
	return true
}

// MapAccessGeneric is the default GENERIC_* expansion shared by types
// that don't need a type-specific mapping: GENERIC_ALL maps to every
// bit in full, READ/WRITE/EXECUTE are OR'd in verbatim by default.
func MapAccessGeneric(mask, read, write, execute, all uint32) uint32 {
	out := mask &^ (GenericRead | GenericWrite | GenericExecute | GenericAll)
	if mask&GenericRead != 0 {
		out |= read
	}
	if mask&GenericWrite != 0 {
		out |= write
	}
	if mask&GenericExecute != 0 {
		out |= execute
	}
	if mask&GenericAll != 0 {
		out |= all
	}
	return out
}
