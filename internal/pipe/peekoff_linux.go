//go:build linux

package pipe

// supportsPeekOff reports SO_PEEK_OFF availability, which on Linux has
// been present since the socket option's introduction (3.4+): present
// unconditionally here since the server's minimum kernel baseline
// already exceeds that.
func supportsPeekOff() bool { return true }
