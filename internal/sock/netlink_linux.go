//go:build linux

// Interface-change notification fanout of spec §4.14: "a single
// shared netlink socket ... is the server-wide ifchange fd. Sockets
// subscribing attach themselves to its list; netlink events wake all
// subscribers."
package sock

import (
	"golang.org/x/sys/unix"
)

// IfchangeHub owns the one server-wide RTNLGRP_LINK netlink socket
// and fans its events out to every subscribed Socket.
type IfchangeHub struct {
	fd          int
	subscribers []*Socket
}

// NewIfchangeHub opens the shared netlink socket, per spec §4.14.
func NewIfchangeHub() (*IfchangeHub, error) {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, err
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: unix.RTMGRP_LINK}
	if err := unix.Bind(sock, addr); err != nil {
		unix.Close(sock)
		return nil, err
	}
	return &IfchangeHub{fd: sock}, nil
}

func (h *IfchangeHub) FD() int { return h.fd }

// Subscribe attaches s to the hub's notification list.
func (h *IfchangeHub) Subscribe(s *Socket) {
	s.ifchange = h
	h.subscribers = append(h.subscribers, s)
}

// Unsubscribe detaches s, called on socket Destroy.
func (h *IfchangeHub) Unsubscribe(s *Socket) {
	for i, sub := range h.subscribers {
		if sub == s {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			return
		}
	}
}

// Drain reads and discards pending netlink messages, then wakes every
// subscriber's bound event/window per spec §4.14 "netlink events wake
// all subscribers".
func (h *IfchangeHub) Drain(post func(window, message, wparam, bit uint32)) error {
	buf := make([]byte, 4096)
	n, err := unix.Read(h.fd, buf)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	for _, s := range h.subscribers {
		s.Mask |= EventRead
		s.DeliverEvents(post)
	}
	return nil
}

func (h *IfchangeHub) Close() error { return unix.Close(h.fd) }
