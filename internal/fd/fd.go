// Package fd implements the fd layer of component C6: POSIX file
// descriptor wrapping with per-fd user/options/async queues,
// completion binding, and device/inode sharing so multiple opens of
// the same on-disk file coordinate locking and sharing state.
package fd

import (
	"github.com/kserverd/kserver/internal/async"
	"github.com/kserverd/kserver/internal/object"
	"github.com/kserverd/kserver/internal/status"
)

// Access rights relevant to sharing checks, per spec §4.6/§4.9.
const (
	ReadData uint32 = 1 << iota
	WriteData
	DeleteAccess
	WriteAttributes
	FileMappingAccess
	FileMappingWrite
	FileMappingImage
)

// Sharing flags, per spec §4.6.
const (
	ShareRead uint32 = 1 << iota
	ShareWrite
	ShareDelete
)

// Options bits relevant to the fd layer.
const (
	DeleteOnClose uint32 = 1 << iota
	Overlapped
	NoCache
)

// Device groups inodes by (dev_id), per spec §3.
type Device struct {
	DevID     uint64
	Removable bool
	inodes    map[uint64]*Inode
}

func NewDevice(devID uint64, removable bool) *Device {
	return &Device{DevID: devID, Removable: removable, inodes: make(map[uint64]*Inode)}
}

// InodeFor returns the shared Inode for ino, creating it on first
// open so sharing/locking state is coordinated across opens of the
// same on-disk object, per spec §3 "Inode and Device".
func (d *Device) InodeFor(ino uint64) *Inode {
	if n, ok := d.inodes[ino]; ok {
		return n
	}
	n := &Inode{Device: d, Ino: ino}
	d.inodes[ino] = n
	return n
}

// releaseIfEmpty drops an inode from its device once nothing
// references it any more.
func (d *Device) releaseIfEmpty(n *Inode) {
	if len(n.openFDs) == 0 && len(n.locks) == 0 && len(n.closedPendingUnlink) == 0 {
		delete(d.inodes, n.Ino)
	}
}

// ClosedFD is a deferred-unlink record queued on an inode when the
// last fd referencing it closes while byte-range locks are still
// outstanding, per spec §3/§4.6.
type ClosedFD struct {
	Path       string
	UnlinkOnly bool
}

// Inode is per-(device,ino) shared metadata, per spec §3.
type Inode struct {
	Device              *Device
	Ino                 uint64
	openFDs             []*Fd
	locks               []*FileLock
	closedPendingUnlink []ClosedFD
}

func (n *Inode) addFd(f *Fd)    { n.openFDs = append(n.openFDs, f) }
func (n *Inode) removeFd(f *Fd) {
	for i, x := range n.openFDs {
		if x == f {
			n.openFDs = append(n.openFDs[:i], n.openFDs[i+1:]...)
			return
		}
	}
}

func (n *Inode) Locks() []*FileLock { return n.locks }

// LocksAppend and LocksRemove let the file package (component C9)
// mutate an inode's lock list without this package exposing the slice
// itself, keeping hole-composition logic out of the fd layer.
func (n *Inode) LocksAppend(l *FileLock) { n.locks = append(n.locks, l) }
func (n *Inode) LocksRemove(l *FileLock) {
	for i, x := range n.locks {
		if x == l {
			n.locks = append(n.locks[:i], n.locks[i+1:]...)
			return
		}
	}
}

// FileLock is a POSIX byte-range lock tracked per spec §3 "FileLock":
// stored simultaneously on the fd, the inode, and (conceptually) the
// owning process, here represented by OwnerProcess.
type FileLock struct {
	Fd           *Fd
	Inode        *Inode
	Shared       bool
	Start, End   uint64 // End is exclusive, [Start,End)
	OwnerProcess uint64
}

// Fd wraps a POSIX file descriptor with the policy described in spec
// §3 "Fd" / §4.6.
type Fd struct {
	User    object.Object
	Inode   *Inode // nil for "special"/pseudo fds
	UnixFD  int
	NoFD    bool // true for pseudo-fds: no real POSIX fd backs this one
	closed  bool

	Access   uint32
	Sharing  uint32
	Options  uint32

	ReadQueue  async.Queue
	WriteQueue async.Queue
	WaitQueue  async.Queue

	CompletionKey   uint64
	CompletionBound bool
	SkipOnSuccess   bool

	Cacheable bool
	FSLocks   bool // false once POSIX locks are disabled for this fd (ENOTSUP/EIO/ENOLCK)

	register func(dir async.Dir, want bool) // wired to the pollset by the caller
}

// NewAnonymous wraps a POSIX fd the caller already owns (e.g. one end
// of a socketpair), per spec §4.6 "Anonymous fd".
func NewAnonymous(user object.Object, unixFD int, access, options uint32) *Fd {
	return &Fd{User: user, UnixFD: unixFD, Access: access, Options: options, FSLocks: true}
}

// NewPseudo creates an fd with no POSIX fd at all, per spec §4.6
// "Pseudo-fd": used for ioctl_fd-style carriers of async-queue state.
func NewPseudo(user object.Object) *Fd {
	return &Fd{User: user, NoFD: true, UnixFD: -1}
}

// BindPoll wires this fd's EnsureSelecting calls to the caller's
// pollset registration logic.
func (f *Fd) BindPoll(register func(dir async.Dir, want bool)) {
	f.register = register
}

// ReadyNow implements async.Selectable: regular files and devices are
// always "ready" under this server's policy (reads/writes against
// local files never truly block the single-threaded loop), matching
// spec §4.7 "if ... ready by policy, wake immediately".
func (f *Fd) ReadyNow(dir async.Dir) bool {
	return f.Inode != nil
}

func (f *Fd) EnsureSelecting(dir async.Dir, want bool) {
	if f.register != nil {
		f.register(dir, want)
	}
}

// AttachInode links this fd to dev/inode's shared metadata after an
// open-by-path resolves to a regular file or directory.
func (f *Fd) AttachInode(inode *Inode) {
	f.Inode = inode
	inode.addFd(f)
}

// CheckSharing implements the table in spec §4.6: evaluates a
// prospective open (newAccess, newSharing) against every fd already
// open on inode.
func CheckSharing(inode *Inode, newAccess, newSharing, newOptions uint32, truncating bool) status.Code {
	if inode == nil {
		return status.OK
	}
	for _, existing := range inode.openFDs {
		if newAccess&ReadData != 0 && existing.Sharing&ShareRead == 0 {
			return status.SharingViolation
		}
		if newAccess&WriteData != 0 && existing.Sharing&ShareWrite == 0 {
			return status.SharingViolation
		}
		if newAccess&DeleteAccess != 0 && existing.Sharing&ShareDelete == 0 {
			return status.SharingViolation
		}
		if existing.Access&FileMappingWrite != 0 && newSharing&ShareWrite == 0 {
			return status.SharingViolation
		}
		if existing.Access&FileMappingImage != 0 && newAccess&WriteData != 0 {
			return status.SharingViolation
		}
		if existing.Access&FileMappingImage != 0 && newOptions&DeleteOnClose != 0 {
			return status.CannotDelete
		}
		if (existing.Access&(FileMappingAccess|FileMappingWrite|FileMappingImage)) != 0 && truncating {
			return status.UserMappedFile
		}
		// Reverse checks: the new fd's sharing must also accommodate
		// the existing fd's access.
		if existing.Access&ReadData != 0 && newSharing&ShareRead == 0 {
			return status.SharingViolation
		}
		if existing.Access&WriteData != 0 && newSharing&ShareWrite == 0 {
			return status.SharingViolation
		}
		if existing.Access&DeleteAccess != 0 && newSharing&ShareDelete == 0 {
			return status.SharingViolation
		}
	}
	return status.OK
}

// Close tears down the fd per spec §4.6 "Close semantics": if the
// inode still has outstanding byte-range locks, the close is queued
// on the inode and the POSIX fd kept open; otherwise the caller
// (which owns the real close(2) syscall) is told to close it now and
// perform any DELETE_ON_CLOSE unlink.
//
// closeNow is the action the caller should take: close the POSIX fd
// (and, if unlinkPath != "", unlink it) right away. When closeNow is
// false the fd has been queued on the inode's pending-unlink list
// instead, with the real close deferred until the last lock drops.
func (f *Fd) Close(unlinkPath string) (closeNow bool) {
	if f.closed {
		return false
	}
	f.closed = true

	if f.Inode == nil {
		return true
	}
	f.Inode.removeFd(f)

	if len(f.Inode.locks) > 0 {
		f.Inode.closedPendingUnlink = append(f.Inode.closedPendingUnlink, ClosedFD{
			Path:       unlinkPath,
			UnlinkOnly: unlinkPath != "",
		})
		return false
	}

	f.Inode.Device.releaseIfEmpty(f.Inode)
	return true
}

// DrainDeferredUnlinks returns and clears the inode's pending-unlink
// queue, called once the last byte-range lock on it is released.
func DrainDeferredUnlinks(inode *Inode) []ClosedFD {
	out := inode.closedPendingUnlink
	inode.closedPendingUnlink = nil
	inode.Device.releaseIfEmpty(inode)
	return out
}

// From recovers the concrete *Fd behind an object's opaque GetFD
// result, the seam object.Ops.GetFD uses to avoid an object<->fd
// import cycle.
func From(obj object.Object) (*Fd, bool) {
	v, ok := obj.GetFD()
	if !ok || v == nil {
		return nil, false
	}
	f, ok := v.(*Fd)
	return f, ok
}
