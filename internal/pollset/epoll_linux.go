//go:build linux

package pollset

import (
	"golang.org/x/sys/unix"
)

// epollBackend wraps an epoll instance. On ENOMEM from epoll_ctl it
// downgrades permanently to the poll backend, folding every
// previously-registered fd into it, per spec §4.5.
type epollBackend struct {
	fd       int
	fallback *pollBackend // non-nil once downgraded
	masks    map[int]Events
}

func newPlatformBackend() (Backend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return newPollBackend(), nil
	}
	return &epollBackend{fd: fd, masks: make(map[int]Events)}, nil
}

func toEpollEvents(e Events) uint32 {
	var out uint32
	if e&Readable != 0 {
		out |= unix.EPOLLIN
	}
	if e&Writable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpollEvents(e uint32) Events {
	var out Events
	if e&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		out |= Readable
	}
	if e&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		out |= Writable
	}
	return out
}

func (b *epollBackend) downgrade() {
	fb := newPollBackend()
	for fd, mask := range b.masks {
		fb.Register(fd, mask)
	}
	unix.Close(b.fd)
	b.fd = -1
	b.fallback = fb
}

func (b *epollBackend) Register(fd int, events Events) error {
	if b.fallback != nil {
		return b.fallback.Register(fd, events)
	}
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	if _, ok := b.masks[fd]; ok {
		op = unix.EPOLL_CTL_MOD
	}
	err := unix.EpollCtl(b.fd, op, fd, &ev)
	if err == unix.ENOMEM {
		b.downgrade()
		return b.fallback.Register(fd, events)
	}
	if err != nil {
		return err
	}
	b.masks[fd] = events
	return nil
}

func (b *epollBackend) Modify(fd int, events Events) error {
	if b.fallback != nil {
		return b.fallback.Modify(fd, events)
	}
	if _, ok := b.masks[fd]; !ok {
		return unix.EBADF
	}
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	err := unix.EpollCtl(b.fd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err == unix.ENOMEM {
		b.downgrade()
		return b.fallback.Modify(fd, events)
	}
	if err != nil {
		return err
	}
	b.masks[fd] = events
	return nil
}

func (b *epollBackend) Deregister(fd int) error {
	if b.fallback != nil {
		return b.fallback.Deregister(fd)
	}
	delete(b.masks, fd)
	// EPOLL_CTL_DEL with a nil event pointer is valid on Linux >=2.6.9;
	// errors here (fd already gone) are not fatal to other fds, per
	// spec §4.5 "error paths for a single fd must not affect others".
	_ = unix.EpollCtl(b.fd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (b *epollBackend) Wait(timeoutMs int) ([]Event, error) {
	if b.fallback != nil {
		return b.fallback.Wait(timeoutMs)
	}
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(b.fd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Event{Fd: int(events[i].Fd), Events: fromEpollEvents(events[i].Events)})
	}
	return out, nil
}

func (b *epollBackend) Close() error {
	if b.fallback != nil {
		return b.fallback.Close()
	}
	return unix.Close(b.fd)
}
