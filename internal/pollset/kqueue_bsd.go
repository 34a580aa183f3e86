//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package pollset

import (
	"golang.org/x/sys/unix"
)

// kqueueBackend is the BSD/macOS multiplexer of spec §4.5. Read and
// write readiness are tracked as separate filters, since kqueue has
// no combined mask the way epoll/poll do.
type kqueueBackend struct {
	fd    int
	masks map[int]Events
}

func newPlatformBackend() (Backend, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return newPollBackend(), nil
	}
	return &kqueueBackend{fd: fd, masks: make(map[int]Events)}, nil
}

func (b *kqueueBackend) applyDelta(fd int, old, new Events) error {
	var changes []unix.Kevent_t
	addDel := func(filter int16, want, had bool) {
		if want == had {
			return
		}
		flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if !want {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: filter,
			Flags:  flags,
		})
	}
	addDel(unix.EVFILT_READ, new&Readable != 0, old&Readable != 0)
	addDel(unix.EVFILT_WRITE, new&Writable != 0, old&Writable != 0)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.fd, changes, nil, nil)
	return err
}

func (b *kqueueBackend) Register(fd int, events Events) error {
	old := b.masks[fd]
	if err := b.applyDelta(fd, old, events); err != nil {
		return err
	}
	b.masks[fd] = events
	return nil
}

func (b *kqueueBackend) Modify(fd int, events Events) error {
	return b.Register(fd, events)
}

func (b *kqueueBackend) Deregister(fd int) error {
	old, ok := b.masks[fd]
	if !ok {
		return nil
	}
	err := b.applyDelta(fd, old, 0)
	delete(b.masks, fd)
	return err
}

func (b *kqueueBackend) Wait(timeoutMs int) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1_000_000)
		ts = &t
	}
	events := make([]unix.Kevent_t, 64)
	n, err := unix.Kevent(b.fd, nil, events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	byFd := make(map[int]Events, n)
	for i := 0; i < n; i++ {
		fd := int(events[i].Ident)
		var e Events
		switch events[i].Filter {
		case unix.EVFILT_READ:
			e = Readable
		case unix.EVFILT_WRITE:
			e = Writable
		}
		if events[i].Flags&unix.EV_ERROR != 0 || events[i].Flags&unix.EV_EOF != 0 {
			e |= Readable | Writable
		}
		byFd[fd] |= e
	}
	out := make([]Event, 0, len(byFd))
	for fd, e := range byFd {
		out = append(out, Event{Fd: fd, Events: e})
	}
	return out, nil
}

func (b *kqueueBackend) Close() error { return unix.Close(b.fd) }
