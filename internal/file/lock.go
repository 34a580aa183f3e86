// Lock management for component C9: translates Windows byte-range
// locks into POSIX F_SETLK calls, composing "holes" on unlock since
// POSIX only ever has one lock per (process, region) while Windows
// allows many independent, possibly-overlapping locks per fd.
package file

import (
	"golang.org/x/sys/unix"

	"github.com/kserverd/kserver/internal/fd"
	"github.com/kserverd/kserver/internal/status"
)

// clampedOffset32 remembers, process-wide, that F_SETLK offsets must
// be clamped to INT_MAX on this host, per spec §4.9 "EINVAL +
// offset>INT_MAX -> retry with the max offset clamped ... persist the
// clamp process-wide (32-bit kernel fallback)".
var clampedOffset32 bool

const int32Max = 0x7FFFFFFF

func posixSetLk(unixFD int, shared bool, start, end uint64) error {
	typ := int16(unix.F_WRLCK)
	if shared {
		typ = unix.F_RDLCK
	}
	if clampedOffset32 {
		start, end = clampInt32(start), clampInt32(end)
	}
	flk := lockRange(typ, start, end)
	err := unix.FcntlFlock(uintptr(unixFD), unix.F_SETLK, flk)
	if err == unix.EINVAL && (start > int32Max || end > int32Max) {
		clampedOffset32 = true
		flk = lockRange(typ, clampInt32(start), clampInt32(end))
		err = unix.FcntlFlock(uintptr(unixFD), unix.F_SETLK, flk)
	}
	return err
}

func posixUnlock(unixFD int, start, end uint64) error {
	flk := lockRange(unix.F_UNLCK, start, end)
	err := unix.FcntlFlock(uintptr(unixFD), unix.F_SETLK, flk)
	if err == unix.EINVAL && clampedOffset32 {
		flk = lockRange(unix.F_UNLCK, clampInt32(start), clampInt32(end))
		err = unix.FcntlFlock(uintptr(unixFD), unix.F_SETLK, flk)
	}
	return err
}

func clampInt32(v uint64) uint64 {
	if v > int32Max {
		return int32Max
	}
	return v
}

func lockRange(typ int16, start, end uint64) *unix.Flock_t {
	length := int64(0)
	if end != 0 {
		length = int64(end - start)
	}
	return &unix.Flock_t{
		Type:   typ,
		Whence: int16(unix.SEEK_SET),
		Start:  int64(start),
		Len:    length,
	}
}

// conflicts reports whether a new lock over [start,end) by (f, shared,
// process) would conflict with an existing lock, per spec §3
// FileLock invariant: "for any two overlapping locks on the same
// inode, at least one is shared OR they share an fd".
func conflicts(existing *fd.FileLock, f *fd.Fd, shared bool, start, end uint64) bool {
	if end <= existing.Start || existing.End <= start {
		return false // no overlap
	}
	if existing.Fd == f {
		return false
	}
	if shared && existing.Shared {
		return false
	}
	return true
}

// Lock attempts to add a byte-range lock on f's inode, per spec
// §4.9/§3. Translates fcntl errno per the table in spec §4.9.
func Lock(inode *fd.Inode, f *fd.Fd, shared bool, start, end uint64, process uint64) (*fd.FileLock, status.Code) {
	for _, l := range inode.Locks() {
		if conflicts(l, f, shared, start, end) {
			return nil, status.FileLockConflict
		}
	}

	if f.FSLocks {
		if err := posixSetLk(f.UnixFD, shared, start, end); err != nil {
			switch err {
			case unix.EACCES, unix.EAGAIN:
				return nil, status.FileLockConflict
			case unix.ENOTSUP, unix.EIO, unix.ENOLCK:
				f.FSLocks = false
			default:
				return nil, status.FromErrno(err)
			}
		}
	}

	lk := &fd.FileLock{Fd: f, Inode: inode, Shared: shared, Start: start, End: end, OwnerProcess: process}
	inode.LocksAppend(lk)
	return lk, status.OK
}

// Unlock removes lk, then re-derives the POSIX unlock calls for
// exactly the sub-regions no other lock on the inode still covers
// (the "hole" composition of spec §4.9/§8 property 6). When this was
// the inode's last outstanding lock, any fds that were closed while
// locks were still pending are returned for the caller to actually
// close/unlink now, per spec §4.6 deferred-unlink.
func Unlock(inode *fd.Inode, lk *fd.FileLock) ([]fd.ClosedFD, status.Code) {
	holes := computeHoles(inode, lk)
	inode.LocksRemove(lk)

	if lk.Fd.FSLocks {
		for _, h := range holes {
			if err := posixUnlock(lk.Fd.UnixFD, h.start, h.end); err != nil {
				return nil, status.FromErrno(err)
			}
		}
	}
	if len(inode.Locks()) == 0 {
		return fd.DrainDeferredUnlinks(inode), status.OK
	}
	return nil, status.OK
}

type interval struct{ start, end uint64 }

// computeHoles returns the sub-intervals of [lk.Start,lk.End) that no
// *other* lock on the same inode still covers, i.e. the regions that
// genuinely need a POSIX F_UNLCK once lk is removed.
func computeHoles(inode *fd.Inode, lk *fd.FileLock) []interval {
	covered := []interval{{lk.Start, lk.End}}
	for _, other := range inode.Locks() {
		if other == lk {
			continue
		}
		covered = subtract(covered, interval{other.Start, other.End})
	}
	return covered
}

func subtract(spans []interval, cut interval) []interval {
	var out []interval
	for _, s := range spans {
		if cut.end <= s.start || cut.start >= s.end {
			out = append(out, s)
			continue
		}
		if cut.start > s.start {
			out = append(out, interval{s.start, cut.start})
		}
		if cut.end < s.end {
			out = append(out, interval{cut.end, s.end})
		}
	}
	return out
}
