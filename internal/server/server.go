// Package server wires the fifteen components into the single main
// loop of spec §5: a poll wait, a timeout-wheel expiry pass, a notify
// drain, and per-client request dispatch, run on one goroutine with no
// internal locking, plus the two-phase shutdown of spec §5 "Shutdown".
//
// Grounded on the teacher's fuse.Server.Serve/loop (fuse/server.go): a
// single accept-then-dispatch loop run to completion on one goroutine,
// generalized here from one mount fd to a pollset of many client
// sockets plus the timeout wheel and notify manager.
package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kserverd/kserver/internal/config"
	"github.com/kserverd/kserver/internal/handle"
	"github.com/kserverd/kserver/internal/namespace"
	"github.com/kserverd/kserver/internal/notify"
	"github.com/kserverd/kserver/internal/pollset"
	"github.com/kserverd/kserver/internal/timeout"
	"github.com/kserverd/kserver/internal/wire"
)

// ShutdownPhase mirrors spec §5 "Shutdown": "an external signal starts
// a two-phase shutdown. Phase 1 signals a process-wide shutdown_event
// and gives clients a grace period to exit. Phase 2 force-terminates
// remaining non-system processes."
type ShutdownPhase int

const (
	Running ShutdownPhase = iota
	GracePeriod
	ForceTerminate
)

// gracePeriod is how long phase 1 waits before escalating to phase 2,
// per spec §5 "bounded grace period to cap teardown latency".
const gracePeriod = 5 * time.Second

// Client is one connected peer: its raw socket fd, its per-process
// handle table, and anything else request dispatch needs per-peer.
type Client struct {
	Sock    int
	Handles *handle.Table
}

// Dispatcher decodes and executes one wire.Request against the
// server's object graph, returning the reply to send back. Kept as an
// interface so request handling (the 200+ opcode dispatch table spec
// §6 implies) can live in its own package without an import cycle
// back into server.
type Dispatcher interface {
	Dispatch(c *Client, req *wire.Request) *wire.Reply
}

// Server is the single process-wide context of spec §5 "Global
// mutable state: ... Treat as a single Server context passed
// explicitly to every handler; one instance per process."
type Server struct {
	log    *zap.Logger
	cfg    *config.Config
	poll   pollset.Backend
	wheel  *timeout.Wheel
	notify *notify.Manager
	root   *namespace.Directory
	disp   Dispatcher

	listenFD int
	clients  map[int]*Client

	phase      ShutdownPhase
	phaseSince time.Time

	shutdownCh chan struct{}
}

// New builds a Server from a resolved configuration, binding a fresh
// poll backend and timeout wheel, per spec §5.
func New(cfg *config.Config, log *zap.Logger, disp Dispatcher) (*Server, error) {
	poll, err := pollset.New()
	if err != nil {
		return nil, err
	}
	nm, err := notify.NewManager(log)
	if err != nil {
		_ = poll.Close()
		return nil, err
	}

	return &Server{
		log:        log,
		cfg:        cfg,
		poll:       poll,
		wheel:      timeout.New(),
		notify:     nm,
		root:       namespace.NewDirectory(64, log),
		disp:       disp,
		listenFD:   -1,
		clients:    make(map[int]*Client),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Listen opens the Unix-domain listening socket at cfg.SocketDir, per
// spec §6 "server directory and socket path".
func (s *Server) Listen() error {
	if err := os.MkdirAll(s.cfg.SocketDir, 0700); err != nil {
		return err
	}
	sockPath := s.cfg.SocketDir + "/socket"
	_ = os.Remove(sockPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	addr := &unix.SockaddrUnix{Name: sockPath}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return err
	}
	s.listenFD = fd
	return s.poll.Register(fd, pollset.Readable)
}

// Run is the main loop of spec §5: "One main loop multiplexes" socket
// readiness and timeouts, and drains pending change notifications from
// the notify manager once per iteration (the manager's channel is not
// registered with the pollset, so a notification waits for the next
// wakeup, at most a second), generalizing the teacher's
// Serve/loop pair to many client fds instead of one mount fd.
func (s *Server) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case sig := <-sigCh:
			s.handleSignal(sig)
		default:
		}

		if s.phase != Running && time.Since(s.phaseSince) > gracePeriod && s.phase == GracePeriod {
			s.phase = ForceTerminate
			s.log.Warn("grace period expired, forcing termination")
			s.forceTerminateRemaining()
		}

		s.wheel.SetNow(timeout.Now())
		s.wheel.Expire(s.wheel.Now())
		s.notify.Run()

		timeoutMs := s.wheel.NextTimeoutMillis()
		if timeoutMs < 0 || timeoutMs > 1000 {
			timeoutMs = 1000 // wake at least once a second to recheck signals/shutdown
		}

		events, err := s.poll.Wait(timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.log.Error("poll wait failed", zap.Error(err))
			continue
		}
		for _, ev := range events {
			s.handleReadiness(ev)
		}

		if s.phase == ForceTerminate && len(s.clients) == 0 {
			return nil
		}
	}
}

func (s *Server) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGCHLD:
		s.reapChildren()
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP:
		s.beginShutdown()
	}
}

// beginShutdown implements spec §5 phase 1: "signals a process-wide
// shutdown_event and gives clients a grace period to exit."
func (s *Server) beginShutdown() {
	if s.phase != Running {
		return
	}
	s.phase = GracePeriod
	s.phaseSince = time.Now()
	close(s.shutdownCh)
	s.log.Info("shutdown requested, entering grace period", zap.Duration("grace", gracePeriod))
}

func (s *Server) shutdown() error {
	s.beginShutdown()
	var errs error
	for fd := range s.clients {
		errs = multierr.Append(errs, s.closeClient(fd))
	}
	if s.listenFD >= 0 {
		errs = multierr.Append(errs, unix.Close(s.listenFD))
	}
	errs = multierr.Append(errs, s.notify.Close())
	errs = multierr.Append(errs, s.poll.Close())
	return errs
}

// forceTerminateRemaining is phase 2 of shutdown: it closes every
// remaining client connection and that client's handles. It sends no
// signal to any process and arms no SIGKILL.
func (s *Server) forceTerminateRemaining() {
	for fd := range s.clients {
		_ = s.closeClient(fd)
	}
}

func (s *Server) reapChildren() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
	}
}

func (s *Server) handleReadiness(ev pollset.Event) {
	if ev.Fd == s.listenFD {
		s.acceptClient()
		return
	}
	c, ok := s.clients[ev.Fd]
	if !ok {
		return
	}
	s.serviceClient(c)
}

func (s *Server) acceptClient() {
	fd, _, err := unix.Accept(s.listenFD)
	if err != nil {
		if err != unix.EAGAIN {
			s.log.Warn("accept failed", zap.Error(err))
		}
		return
	}
	if s.phase != Running {
		_ = unix.Close(fd)
		return
	}
	c := &Client{Sock: fd, Handles: handle.New()}
	s.clients[fd] = c
	if err := s.poll.Register(fd, pollset.Readable); err != nil {
		s.log.Warn("register client fd failed", zap.Error(err))
		_ = s.closeClient(fd)
	}
}

func (s *Server) serviceClient(c *Client) {
	req, err := wire.ReadRequest(c.Sock)
	if err != nil {
		_ = s.closeClient(c.Sock)
		return
	}
	reply := s.disp.Dispatch(c, req)
	if reply == nil {
		return
	}
	if err := wire.WriteReply(c.Sock, reply); err != nil {
		s.log.Warn("write reply failed", zap.Error(err))
		_ = s.closeClient(c.Sock)
	}
}

func (s *Server) closeClient(fd int) error {
	c, ok := s.clients[fd]
	if !ok {
		return nil
	}
	delete(s.clients, fd)
	_ = s.poll.Deregister(fd)
	if c.Handles != nil {
		c.Handles.CloseAll()
	}
	return unix.Close(fd)
}

// Root exposes the server's namespace root for request dispatch.
func (s *Server) Root() *namespace.Directory { return s.root }

// Wheel exposes the timeout wheel for request dispatch (wait-with-timeout,
// waitable timers).
func (s *Server) Wheel() *timeout.Wheel { return s.wheel }

// ShutdownChan is closed once phase 1 begins, for components (asyncs,
// waits) that need to observe shutdown_event per spec §5.
func (s *Server) ShutdownChan() <-chan struct{} { return s.shutdownCh }
