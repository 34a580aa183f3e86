// Package sock implements the socket object of component C14: the
// eventmask readiness model, event delivery priority order, accept
// (including deferred-accept and accept-into), and the shared
// netlink interface-change fanout.
//
// Grounded on the teacher's fuse pollster pattern for readiness
// multiplexing (adapted from fd-readiness to socket-eventmask
// readiness) and on mdlayher-style netlink sockets used elsewhere in
// the pack for interface-change notification, generalized here to a
// single server-wide subscriber list per spec §4.14.
package sock

import (
	"math/bits"

	"golang.org/x/sys/unix"

	"github.com/kserverd/kserver/internal/fd"
	"github.com/kserverd/kserver/internal/object"
	"github.com/kserverd/kserver/internal/status"
)

// Event bits, per spec §4.14.
const (
	EventRead uint32 = 1 << iota
	EventWrite
	EventOOB
	EventAccept
	EventConnect
	EventClose
)

// deliveryOrder is the fixed priority order of spec §4.14 "post one
// message per pending bit in a fixed priority order".
var deliveryOrder = []uint32{EventConnect, EventAccept, EventOOB, EventWrite, EventRead, EventClose}

const maxEvents = 6

// State is the socket's connection-state machine, per spec §4.14.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateListening
)

// Socket is the core object of component C14.
type Socket struct {
	object.Header

	Family, Type, Proto int
	Flags               uint32
	State               State

	Mask, Hmask, Pmask uint32 // pending / bound-handler / process masks, per spec §3

	BoundEvent  object.Object // signaled when any bit in Mask is set
	Window      uint32        // opaque HWND-equivalent, 0 if unbound
	MessageID   uint32
	Wparam      uint32

	Errors [maxEvents]status.Code

	DeferredAccept *Socket // pre-allocated accept_socket, per spec §4.14

	Fd *fd.Fd

	ifchange *IfchangeHub
}

func New(family, typ, proto int) *Socket {
	return &Socket{Header: object.NewHeader(object.TypeSocket, nil), Family: family, Type: typ, Proto: proto}
}

func (s *Socket) Dump(bool) string     { return "Socket" }
func (s *Socket) GetType() object.Type { return object.TypeSocket }
func (s *Socket) AddWait(e *object.WaitEntry)    { s.AddWaitEntry(e) }
func (s *Socket) RemoveWait(e *object.WaitEntry) { s.RemoveWaitEntry(e) }
func (s *Socket) Signaled(*object.WaitEntry) bool { return s.Mask != 0 }
func (s *Socket) Satisfied(*object.WaitEntry)     {}
func (s *Socket) Signal(uint32) bool              { return false }
func (s *Socket) GetFD() (any, bool) {
	if s.Fd == nil {
		return nil, false
	}
	return s.Fd, true
}
func (s *Socket) MapAccess(mask uint32) uint32 { return mask }
func (s *Socket) LookupName(string, uint32) (object.Object, bool) { return nil, false }
func (s *Socket) LinkName(*object.NameEntry) bool { return true }
func (s *Socket) UnlinkName(*object.NameEntry)    {}
func (s *Socket) OpenFile(uint32, uint32, uint32) (object.Object, bool) {
	return nil, false
}
func (s *Socket) CloseHandle() bool { return true }
func (s *Socket) Destroy() {
	if s.ifchange != nil {
		s.ifchange.Unsubscribe(s)
	}
}

// eventBit reports the array index for Errors[], per spec §4.14.
func eventBit(event uint32) int {
	if event == 0 {
		return 0
	}
	return bits.TrailingZeros32(event)
}

// PollConnect implements spec §4.14 "CONNECT pending ⇒ poll for
// writability; on POLLOUT mark Connected; on POLLERR/HUP capture
// error into errors[CONNECT_BIT]".
func (s *Socket) PollConnect(pollOut, pollErrOrHup bool, errCode status.Code) {
	if pollOut {
		s.State = StateConnected
		s.Mask |= EventConnect
		return
	}
	if pollErrOrHup {
		s.Errors[eventBit(EventConnect)] = errCode
		s.Mask |= EventConnect
	}
}

// PollListening implements spec §4.14 "Listening ⇒ poll for
// readability; mark ACCEPT pending on readiness".
func (s *Socket) PollListening(readable bool) {
	if readable {
		s.Mask |= EventAccept
	}
}

// PollConnectedStream implements spec §4.14's zero-byte-peek EOF
// synthesis: "Connected stream ⇒ POLLIN with zero-byte peek indicates
// peer EOF, synthesized as POLLHUP and surfacing CLOSE bit".
func (s *Socket) PollConnectedStream(pollIn bool) {
	if !pollIn || s.Fd == nil {
		return
	}
	buf := make([]byte, 1)
	n, _, err := unix.Recvfrom(s.Fd.UnixFD, buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	switch {
	case err == nil && n == 0:
		s.Mask |= EventClose
	case err == nil && n > 0:
		s.Mask |= EventRead
	}
}

// DeliverEvents implements spec §4.14 event delivery: "if a
// window/message is bound, post one message per pending bit in a
// fixed priority order ... If an Event object is bound, set it."
//
// post is the caller-supplied function that actually posts a
// window message; this package has no window-system dependency of
// its own.
func (s *Socket) DeliverEvents(post func(window, message, wparam, bit uint32)) {
	if s.Window != 0 {
		for _, bit := range deliveryOrder {
			if s.Mask&bit != 0 {
				post(s.Window, s.MessageID, s.Wparam, bit)
			}
		}
	}
	if s.BoundEvent != nil {
		if ev, ok := s.BoundEvent.(interface{ Signal(uint32) bool }); ok {
			ev.Signal(0)
		}
	}
}

// Accept implements spec §4.14 Accept: either completes a deferred
// accept or performs accept(2) and wraps the new fd into a fresh
// Socket inheriting the listener's properties.
func (s *Socket) Accept() (*Socket, status.Code) {
	if s.DeferredAccept != nil {
		child := s.DeferredAccept
		s.DeferredAccept = nil
		return child, status.OK
	}
	if s.Fd == nil {
		return nil, status.InvalidHandle
	}
	connFd, _, err := unix.Accept(s.Fd.UnixFD)
	if err != nil {
		return nil, status.FromErrno(err)
	}
	child := &Socket{
		Header: object.NewHeader(object.TypeSocket, nil),
		Family: s.Family, Type: s.Type, Proto: s.Proto,
		State: StateConnected,
	}
	child.Fd = fd.NewAnonymous(child, connFd, fd.ReadData|fd.WriteData, 0)
	return child, status.OK
}

// AcceptInto implements spec §4.14 "accept-into reuses a
// caller-provided socket object, duping the new fd into it".
func (s *Socket) AcceptInto(target *Socket) status.Code {
	if s.Fd == nil {
		return status.InvalidHandle
	}
	connFd, _, err := unix.Accept(s.Fd.UnixFD)
	if err != nil {
		return status.FromErrno(err)
	}
	if target.Fd != nil {
		dupped, err := unix.Dup(connFd)
		if err != nil {
			unix.Close(connFd)
			return status.FromErrno(err)
		}
		unix.Close(connFd)
		if err := unix.Dup2(dupped, target.Fd.UnixFD); err != nil {
			unix.Close(dupped)
			return status.FromErrno(err)
		}
		unix.Close(dupped)
	} else {
		target.Fd = fd.NewAnonymous(target, connFd, fd.ReadData|fd.WriteData, 0)
	}
	target.State = StateConnected
	return status.OK
}
