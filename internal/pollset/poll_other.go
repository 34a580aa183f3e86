//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package pollset

// newPlatformBackend falls back to the portable poll() backend on any
// platform without a dedicated epoll/kqueue implementation (e.g.
// Solaris, which spec §4.5 also allows an event-port backend for;
// poll is always a correct, if coarser-grained, substitute).
func newPlatformBackend() (Backend, error) {
	return newPollBackend(), nil
}
