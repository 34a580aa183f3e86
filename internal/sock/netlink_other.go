//go:build !linux

package sock

import "github.com/kserverd/kserver/internal/status"

// IfchangeHub is NOT_SUPPORTED on platforms without netlink, per spec
// §4.14 "a single shared netlink socket (on Linux; NOT_SUPPORTED
// elsewhere)".
type IfchangeHub struct{}

func NewIfchangeHub() (*IfchangeHub, error) {
	return nil, status.Error{Code: status.NotSupported}
}

func (h *IfchangeHub) Subscribe(*Socket)   {}
func (h *IfchangeHub) Unsubscribe(*Socket) {}
func (h *IfchangeHub) Close() error        { return nil }
