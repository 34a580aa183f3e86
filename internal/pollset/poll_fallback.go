package pollset

import (
	"golang.org/x/sys/unix"
)

// pollBackend is the portable fallback of spec §4.5: a flat slice of
// pollfd entries rebuilt from a map on every Wait. It is the backend
// every platform can fall back to permanently, including from an
// epoll ENOMEM condition.
type pollBackend struct {
	masks map[int]Events
}

func newPollBackend() *pollBackend {
	return &pollBackend{masks: make(map[int]Events)}
}

func (p *pollBackend) Register(fd int, events Events) error {
	p.masks[fd] = events
	return nil
}

func (p *pollBackend) Modify(fd int, events Events) error {
	if _, ok := p.masks[fd]; !ok {
		return unix.EBADF
	}
	p.masks[fd] = events
	return nil
}

func (p *pollBackend) Deregister(fd int) error {
	delete(p.masks, fd)
	return nil
}

func toPollEvents(e Events) int16 {
	var out int16
	if e&Readable != 0 {
		out |= unix.POLLIN
	}
	if e&Writable != 0 {
		out |= unix.POLLOUT
	}
	return out
}

func fromPollEvents(e int16) Events {
	var out Events
	if e&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		out |= Readable
	}
	if e&(unix.POLLOUT|unix.POLLERR) != 0 {
		out |= Writable
	}
	return out
}

func (p *pollBackend) Wait(timeoutMs int) ([]Event, error) {
	fds := make([]unix.PollFd, 0, len(p.masks))
	order := make([]int, 0, len(p.masks))
	for fd, mask := range p.masks {
		if mask == 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(mask)})
		order = append(order, fd)
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]Event, 0, n)
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		out = append(out, Event{Fd: order[i], Events: fromPollEvents(pfd.Revents)})
	}
	return out, nil
}

func (p *pollBackend) Close() error { return nil }
