//go:build !linux

package pipe

// supportsPeekOff is false everywhere SO_PEEK_OFF is a Linux-only
// socket option, per spec §4.11 "choosing SEQPACKET ... if the
// platform supports SO_PEEK_OFF".
func supportsPeekOff() bool { return false }
