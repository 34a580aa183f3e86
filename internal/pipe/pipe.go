// Package pipe implements the named-pipe state machine of component
// C11: server instance allocation, connect-via-socketpair, disconnect,
// and the FSCTL_PIPE_WAIT/LISTEN polling helpers.
//
// Grounded on the teacher's fuse/connector.go/fuse/server.go pattern
// of pairing a kernel-facing fd with client-facing state, generalized
// here from a single FUSE connection to many named-pipe server
// instances sharing one namespace entry.
package pipe

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/kserverd/kserver/internal/async"
	"github.com/kserverd/kserver/internal/fd"
	"github.com/kserverd/kserver/internal/status"
)

// ServerState is one PipeServer instance's lifecycle state, per spec
// §4.11.
type ServerState int

const (
	Idle ServerState = iota
	WaitOpen
	Connected
	WaitDisconnect
	WaitConnect
)

func (s ServerState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case WaitOpen:
		return "WaitOpen"
	case Connected:
		return "Connected"
	case WaitDisconnect:
		return "WaitDisconnect"
	case WaitConnect:
		return "WaitConnect"
	}
	return "Unknown"
}

// Options bits relevant to the named-pipe connect algorithm, per spec
// §4.11.
const (
	MessageMode uint32 = 1 << iota
	ServerAsync
	ClientAsync
)

// Pipe is the namespace object backing one named pipe path; it owns
// the set of PipeServer instances created against it, per spec §4.11
// "Each call that would create another server instance allocates a
// new PipeServer within the existing pipe, capped at max_instances".
type Pipe struct {
	MaxInstances int
	Options      uint32
	RecvBufSize  int
	SendBufSize  int

	Waiters async.Queue // FSCTL_PIPE_WAIT parks here, per spec §4.11

	servers []*Server
}

func NewPipe(maxInstances int, options uint32, recvBuf, sendBuf int) *Pipe {
	return &Pipe{MaxInstances: maxInstances, Options: options, RecvBufSize: recvBuf, SendBufSize: sendBuf}
}

// Server is one PipeServer instance of spec §4.11/§3.
type Server struct {
	Pipe    *Pipe
	State   ServerState
	Sharing uint32

	serverFd *fd.Fd
	clientFd *fd.Fd

	IoctlFd *fd.Fd // pseudo-fd present before a real connection exists

	FlushAsync *async.Queue
}

// NewInstance allocates a new PipeServer within pipe, returning
// InstanceLimitReached once max_instances is reached.
func (p *Pipe) NewInstance(sharing uint32) (*Server, status.Code) {
	if p.MaxInstances > 0 && len(p.servers) >= p.MaxInstances {
		return nil, status.InstanceLimitReached
	}
	srv := &Server{Pipe: p, State: Idle, Sharing: sharing, IoctlFd: fd.NewPseudo(nil)}
	p.servers = append(p.servers, srv)
	return srv, status.OK
}

// Listen implements FSCTL_PIPE_LISTEN: it transitions an Idle or
// WaitConnect server into WaitOpen so chooseServer can match it, per
// spec §4.11's "listen → connect transitions server to Connected"
// property and the find_available_server matching rule. Mirrors
// named_pipe.c's FSCTL_PIPE_LISTEN handling: listening from Connected
// is PIPE_CONNECTED, from WaitDisconnect there is still unread data so
// it is NO_DATA_DETECTED (named_pipe.c's wording for "not yet usable
// for a fresh listen"), and listening from an already-WaitOpen server
// is INVALID_HANDLE since a listen is already outstanding.
func (srv *Server) Listen(a *async.Async) status.Code {
	switch srv.State {
	case Idle, WaitConnect:
		srv.State = WaitOpen
		if a != nil {
			async.QueueAsync(srv.IoctlFd, &srv.IoctlFd.WaitQueue, a, async.DirWait)
		}
		NotifyServerAvailable(srv.Pipe)
		return status.Pending
	case Connected:
		return status.PipeConnected
	case WaitDisconnect:
		return status.NoDataDetected
	case WaitOpen:
		return status.InvalidHandle
	}
	return status.InvalidHandle
}

// chooseServer implements spec §4.11 connect step 1: "Choose a server
// in WaitOpen state, else any Idle."
func (p *Pipe) chooseServer() *Server {
	for _, s := range p.servers {
		if s.State == WaitOpen {
			return s
		}
	}
	for _, s := range p.servers {
		if s.State == Idle {
			return s
		}
	}
	return nil
}

func checkSharing(serverSharing, requestedAccess uint32) status.Code {
	if requestedAccess&fd.ReadData != 0 && serverSharing&fd.ShareRead == 0 {
		return status.SharingViolation
	}
	if requestedAccess&fd.WriteData != 0 && serverSharing&fd.ShareWrite == 0 {
		return status.SharingViolation
	}
	return status.OK
}

// socketPairType picks SOCK_SEQPACKET when the pipe is message-mode
// and the platform supports SO_PEEK_OFF, else SOCK_STREAM, per spec
// §4.11 connect step 3.
func socketPairType(messageMode bool) int {
	if messageMode && supportsPeekOff() {
		return unix.SOCK_SEQPACKET
	}
	return unix.SOCK_STREAM
}

// Connect implements the full spec §4.11 connect algorithm against an
// already-chosen or newly allocated server.
func Connect(p *Pipe, requestedAccess uint32) (*Server, status.Code) {
	srv := p.chooseServer()
	if srv == nil {
		return nil, status.PipeNotAvailable
	}

	if code := checkSharing(srv.Sharing, requestedAccess); !code.Ok() {
		return nil, code
	}

	typ := socketPairType(p.Options&MessageMode != 0)
	fds, err := unix.Socketpair(unix.AF_UNIX, typ, 0)
	if err != nil {
		return nil, status.FromErrno(err)
	}
	serverRaw, clientRaw := fds[0], fds[1]

	if p.Options&ServerAsync != 0 {
		_ = unix.SetNonblock(serverRaw, true)
	}
	if p.Options&ClientAsync != 0 {
		_ = unix.SetNonblock(clientRaw, true)
	}
	if p.RecvBufSize > 0 {
		_ = unix.SetsockoptInt(serverRaw, unix.SOL_SOCKET, unix.SO_RCVBUF, p.RecvBufSize)
		_ = unix.SetsockoptInt(clientRaw, unix.SOL_SOCKET, unix.SO_RCVBUF, p.RecvBufSize)
	}
	if p.SendBufSize > 0 {
		_ = unix.SetsockoptInt(serverRaw, unix.SOL_SOCKET, unix.SO_SNDBUF, p.SendBufSize)
		_ = unix.SetsockoptInt(clientRaw, unix.SOL_SOCKET, unix.SO_SNDBUF, p.SendBufSize)
	}

	srv.serverFd = fd.NewAnonymous(nil, serverRaw, fd.ReadData|fd.WriteData, 0)
	srv.clientFd = fd.NewAnonymous(nil, clientRaw, requestedAccess, 0)

	// Drop the ioctl_fd pseudo-fd in favor of the real one, carrying
	// forward any completion binding, per spec §4.11 connect step 5.
	if srv.IoctlFd != nil {
		srv.serverFd.CompletionKey = srv.IoctlFd.CompletionKey
		srv.serverFd.CompletionBound = srv.IoctlFd.CompletionBound
		srv.serverFd.SkipOnSuccess = srv.IoctlFd.SkipOnSuccess
	}

	prevIoctl := srv.IoctlFd
	srv.IoctlFd = nil
	srv.State = Connected

	if prevIoctl != nil {
		async.WakeUp(&prevIoctl.WaitQueue, status.OK)
	}

	return srv, status.OK
}

// Disconnect implements FSCTL_PIPE_DISCONNECT, per spec §4.11 property
// 10: it is legal from Connected and WaitDisconnect (both reached via
// do_disconnect() in the original), tearing down whatever fds remain
// and returning the server to WaitConnect. Disconnecting from
// Idle/WaitOpen is PIPE_LISTENING (a listen is outstanding, not a
// connection); from WaitConnect it is PIPE_DISCONNECTED (already
// disconnected).
func Disconnect(srv *Server) status.Code {
	switch srv.State {
	case Connected, WaitDisconnect:
		if srv.serverFd != nil {
			srv.serverFd.Close("")
			srv.serverFd = nil
		}
		if srv.clientFd != nil {
			srv.clientFd.Close("")
			srv.clientFd = nil
		}
		srv.IoctlFd = fd.NewPseudo(nil)
		srv.State = WaitConnect
		return status.OK
	case Idle, WaitOpen:
		return status.PipeListening
	case WaitConnect:
		return status.PipeDisconnected
	}
	return status.InvalidHandle
}

// ClientDisconnected implements pipe_client_destroy's Connected →
// WaitDisconnect transition: the client end was released while the
// pipe was connected, so the server fd is kept alive for the still-
// pending Flush (spec §4.11 Flush) while the client socket is torn
// down. Legal only from Connected; any other caller state is a bug in
// the handle layer since a client end cannot be released without
// first being connected.
func ClientDisconnected(srv *Server) {
	if srv.State != Connected {
		return
	}
	if srv.clientFd != nil {
		srv.clientFd.Close("")
		srv.clientFd = nil
	}
	srv.State = WaitDisconnect
}

// recvQueueEmpty reports whether the peer's socket receive buffer is
// empty, the only observable proxy for "has the peer drained its
// read buffer" since POSIX has no event for it (spec §4.11 Flush).
func recvQueueEmpty(unixFD int) (bool, error) {
	n, err := unix.IoctlGetInt(unixFD, unix.TIOCOUTQ)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// PollFlush checks the peer's buffer every 100ms (spec §4.11) and
// invokes done once it has drained or the check fails, or at once when
// the server has no connected fd. It blocks the calling goroutine until
// then; if the stop channel fires first it returns without calling done.
func PollFlush(srv *Server, stop <-chan struct{}, done func()) {
	if srv.serverFd == nil {
		done()
		return
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			empty, err := recvQueueEmpty(srv.serverFd.UnixFD)
			if err != nil || empty {
				done()
				return
			}
		}
	}
}

// Wait parks the caller on the pipe's waiters async queue until a
// server becomes available (FSCTL_PIPE_WAIT), per spec §4.11.
func Wait(p *Pipe, a *async.Async) {
	async.QueueAsync(waitSelectable{p}, &p.Waiters, a, async.DirWait)
}

type waitSelectable struct{ p *Pipe }

func (w waitSelectable) ReadyNow(async.Dir) bool { return w.p.chooseServer() != nil }
func (w waitSelectable) EnsureSelecting(async.Dir, bool) {}

// NotifyServerAvailable wakes every FSCTL_PIPE_WAIT caller once a
// server transitions into WaitOpen or Idle.
func NotifyServerAvailable(p *Pipe) {
	async.WakeUp(&p.Waiters, status.OK)
}
