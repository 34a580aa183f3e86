// Package syncobj implements the basic synchronization object types
// (Event, Mutex, Semaphore) that sit directly on the object core
// (component C1) and are exercised by the wait engine (C8).
package syncobj

import (
	"go.uber.org/zap"

	"github.com/kserverd/kserver/internal/object"
	"github.com/kserverd/kserver/internal/wait"
)

// Event is a manual- or auto-reset event object, per spec §4.1/§4.8.
type Event struct {
	object.Header
	manual   bool
	signaled bool
}

func NewEvent(manual, initial bool, log *zap.Logger) *Event {
	return &Event{Header: object.NewHeader(object.TypeEvent, log), manual: manual, signaled: initial}
}

func (e *Event) Dump(bool) string      { return "Event" }
func (e *Event) GetType() object.Type  { return object.TypeEvent }
func (e *Event) AddWait(entry *object.WaitEntry)    { e.AddWaitEntry(entry) }
func (e *Event) RemoveWait(entry *object.WaitEntry) { e.RemoveWaitEntry(entry) }
func (e *Event) Signaled(*object.WaitEntry) bool { return e.signaled }
func (e *Event) Satisfied(*object.WaitEntry) {
	if !e.manual {
		e.signaled = false
	}
}
func (e *Event) Signal(uint32) bool {
	e.signaled = true
	wait.WakeUp(e, 0)
	return true
}
func (e *Event) Reset()                          { e.signaled = false }
func (e *Event) GetFD() (any, bool)               { return nil, false }
func (e *Event) MapAccess(mask uint32) uint32     { return mask }
func (e *Event) LookupName(string, uint32) (object.Object, bool) { return nil, false }
func (e *Event) LinkName(*object.NameEntry) bool  { return true }
func (e *Event) UnlinkName(*object.NameEntry)     {}
func (e *Event) OpenFile(uint32, uint32, uint32) (object.Object, bool) {
	return nil, false
}
func (e *Event) CloseHandle() bool { return true }
func (e *Event) Destroy()          {}

// Semaphore is a counting semaphore bounded by Max, per the standard
// Windows semaphore object semantics.
type Semaphore struct {
	object.Header
	count, max int32
}

func NewSemaphore(initial, max int32, log *zap.Logger) *Semaphore {
	return &Semaphore{Header: object.NewHeader(object.TypeSemaphore, log), count: initial, max: max}
}

func (s *Semaphore) Dump(bool) string     { return "Semaphore" }
func (s *Semaphore) GetType() object.Type { return object.TypeSemaphore }
func (s *Semaphore) AddWait(entry *object.WaitEntry)    { s.AddWaitEntry(entry) }
func (s *Semaphore) RemoveWait(entry *object.WaitEntry) { s.RemoveWaitEntry(entry) }
func (s *Semaphore) Signaled(*object.WaitEntry) bool { return s.count > 0 }
func (s *Semaphore) Satisfied(*object.WaitEntry)     { s.count-- }
func (s *Semaphore) Signal(uint32) bool              { return false }

// Release raises the count by n (ReleaseSemaphore), returning the
// previous count and false if it would exceed max.
func (s *Semaphore) Release(n int32) (prev int32, ok bool) {
	if s.count+n > s.max {
		return s.count, false
	}
	prev = s.count
	s.count += n
	wait.WakeUp(s, int(n))
	return prev, true
}
func (s *Semaphore) GetFD() (any, bool)           { return nil, false }
func (s *Semaphore) MapAccess(mask uint32) uint32 { return mask }
func (s *Semaphore) LookupName(string, uint32) (object.Object, bool) { return nil, false }
func (s *Semaphore) LinkName(*object.NameEntry) bool { return true }
func (s *Semaphore) UnlinkName(*object.NameEntry)    {}
func (s *Semaphore) OpenFile(uint32, uint32, uint32) (object.Object, bool) {
	return nil, false
}
func (s *Semaphore) CloseHandle() bool { return true }
func (s *Semaphore) Destroy()          {}

// ThreadID identifies the owner of a mutex for abandon tracking.
type ThreadID uint64

// Mutex supports recursive acquisition by its owner and abandonment
// when the owning thread dies, per spec §4.8 "Mutex abandon".
type Mutex struct {
	object.Header
	owner     ThreadID
	hasOwner  bool
	recursion int32
	abandoned bool
}

func NewMutex(log *zap.Logger) *Mutex {
	return &Mutex{Header: object.NewHeader(object.TypeMutex, log)}
}

func (m *Mutex) Dump(bool) string     { return "Mutex" }
func (m *Mutex) GetType() object.Type { return object.TypeMutex }
func (m *Mutex) AddWait(entry *object.WaitEntry)    { m.AddWaitEntry(entry) }
func (m *Mutex) RemoveWait(entry *object.WaitEntry) { m.RemoveWaitEntry(entry) }
// Signaled reports plain unowned-ness; it does not look at who is
// waiting, so a wait by the current owner is not satisfied while it
// holds the mutex. Recursive acquisition goes through Acquire, which
// increments the recursion count without that check.
func (m *Mutex) Signaled(*object.WaitEntry) bool {
	return !m.hasOwner
}

// Satisfied grants ownership to the entry's caller, per the wait
// engine's commit path (wait.Waiter.commit/onSignal). e.Caller is
// stamped by wait.Begin with the acquiring thread id; a direct
// Acquire call bypasses Satisfied entirely and sets owner itself.
func (m *Mutex) Satisfied(e *object.WaitEntry) {
	if who, ok := e.Caller.(ThreadID); ok {
		m.owner = who
	}
	m.recursion++
	m.hasOwner = true
	m.abandoned = false
}
func (m *Mutex) Signal(uint32) bool { return false }

// Release decrements the recursion count, releasing ownership at zero
// and waking waiters.
func (m *Mutex) Release(who ThreadID) (prevCount int32, ok bool) {
	if !m.hasOwner || m.owner != who {
		return 0, false
	}
	prevCount = m.recursion
	m.recursion--
	if m.recursion == 0 {
		m.hasOwner = false
		wait.WakeUp(m, 1)
	}
	return prevCount, true
}

// Abandon is called on owning-thread death: clears ownership and
// marks the mutex abandoned so the next satisfied waiter observes
// STATUS_ABANDONED, per spec §4.8.
func (m *Mutex) Abandon() {
	if !m.hasOwner {
		return
	}
	m.hasOwner = false
	m.recursion = 0
	m.abandoned = true
	wait.WakeUp(m, 1)
}

func (m *Mutex) TakeAbandoned() bool {
	if m.abandoned {
		m.abandoned = false
		return true
	}
	return false
}

func (m *Mutex) Acquire(who ThreadID) {
	m.owner = who
	m.hasOwner = true
	m.recursion++
}

func (m *Mutex) GetFD() (any, bool)           { return nil, false }
func (m *Mutex) MapAccess(mask uint32) uint32 { return mask }
func (m *Mutex) LookupName(string, uint32) (object.Object, bool) { return nil, false }
func (m *Mutex) LinkName(*object.NameEntry) bool { return true }
func (m *Mutex) UnlinkName(*object.NameEntry)    {}
func (m *Mutex) OpenFile(uint32, uint32, uint32) (object.Object, bool) {
	return nil, false
}
func (m *Mutex) CloseHandle() bool { return true }
func (m *Mutex) Destroy()          {}
