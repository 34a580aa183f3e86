// Package status defines the flat NT-status namespace used as the
// single error representation crossing the request/reply boundary.
//
// Handlers never return a Go error to a client: they set a Code and
// let the reply header carry it, the way fuse.Status works in the
// teacher package, generalized from an errno-sized set to the wider
// NT status space.
package status

import (
	"fmt"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Code is a single status value from the flat NT-status-like namespace.
type Code uint32

const (
	OK Code = 0

	Pending Code = 0x00000103

	InvalidHandle        Code = 0xC0000008
	InvalidParameter      Code = 0xC000000D
	ObjectTypeMismatch    Code = 0xC0000024
	AccessDenied          Code = 0xC0000022
	NoMemory              Code = 0xC0000017
	ObjectNameCollision   Code = 0xC0000035
	ObjectNameExists      Code = 0x40000000
	ObjectNameNotFound    Code = 0xC0000034
	ObjectPathNotFound    Code = 0xC000003A
	HandleNotClosable     Code = 0xC0000235
	SharingViolation      Code = 0xC0000043
	CannotDelete          Code = 0xC0000121
	UserMappedFile        Code = 0xC0000243
	FileLockConflict      Code = 0xC0000054
	DiskFull              Code = 0xC000007F
	NoSuchFile            Code = 0xC000000F
	FileIsADirectory      Code = 0xC00000BA
	DirectoryNotEmpty     Code = 0xC0000101
	AccessViolation       Code = 0xC0000005
	Timeout               Code = 0x00000102
	IoTimeout              Code = 0xC00000B5
	Cancelled             Code = 0xC0000120
	Abandoned            Code = 0x00000080
	UserAPC              Code = 0x000000C0
	WaitAll              Code = 0x00000000
	NotSameDevice        Code = 0xC00000D4
	NotSupported         Code = 0xC00000BB
	PipeConnected        Code = 0xC00000D9
	PipeDisconnected     Code = 0xC00000DB
	PipeNotAvailable     Code = 0xC00000AC
	PipeListening        Code = 0xC00000DC
	ObjectNameInvalid    Code = 0xC0000033
	InstanceLimitReached Code = 0xC00000AB
	NoDataDetected       Code = 0xC00000E8
)

// Ok reports whether the status represents success.
func (c Code) Ok() bool { return c == OK }

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(0x%08X)", uint32(c))
}

var names = map[Code]string{
	OK:                   "OK",
	Pending:              "PENDING",
	InvalidHandle:        "INVALID_HANDLE",
	InvalidParameter:     "INVALID_PARAMETER",
	ObjectTypeMismatch:   "OBJECT_TYPE_MISMATCH",
	AccessDenied:         "ACCESS_DENIED",
	NoMemory:             "NO_MEMORY",
	ObjectNameCollision:  "OBJECT_NAME_COLLISION",
	ObjectNameExists:     "OBJECT_NAME_EXISTS",
	ObjectNameNotFound:   "OBJECT_NAME_NOT_FOUND",
	ObjectPathNotFound:   "OBJECT_PATH_NOT_FOUND",
	HandleNotClosable:    "HANDLE_NOT_CLOSABLE",
	SharingViolation:     "SHARING_VIOLATION",
	CannotDelete:         "CANNOT_DELETE",
	UserMappedFile:       "USER_MAPPED_FILE",
	FileLockConflict:     "FILE_LOCK_CONFLICT",
	DiskFull:             "DISK_FULL",
	NoSuchFile:           "NO_SUCH_FILE",
	FileIsADirectory:     "FILE_IS_A_DIRECTORY",
	DirectoryNotEmpty:    "DIRECTORY_NOT_EMPTY",
	AccessViolation:      "ACCESS_VIOLATION",
	Timeout:              "TIMEOUT",
	IoTimeout:            "IO_TIMEOUT",
	Cancelled:            "CANCELLED",
	Abandoned:            "ABANDONED",
	UserAPC:              "USER_APC",
	NotSameDevice:        "NOT_SAME_DEVICE",
	NotSupported:         "NOT_SUPPORTED",
	PipeConnected:        "PIPE_CONNECTED",
	PipeDisconnected:     "PIPE_DISCONNECTED",
	PipeNotAvailable:     "PIPE_NOT_AVAILABLE",
	PipeListening:        "PIPE_LISTENING",
	ObjectNameInvalid:    "OBJECT_NAME_INVALID",
	InstanceLimitReached: "INSTANCE_LIMIT_REACHED",
	NoDataDetected:       "NO_DATA_DETECTED",
}

// FromErrno translates a POSIX errno (or a wrapped os error) into a
// status code, the generalization of the teacher's ToStatus for the
// wider NT status space described in spec §7.
func FromErrno(err error) Code {
	if err == nil {
		return OK
	}

	switch errors.Cause(err) {
	case os.ErrPermission:
		return AccessDenied
	case os.ErrExist:
		return ObjectNameCollision
	case os.ErrNotExist:
		return NoSuchFile
	case os.ErrInvalid:
		return InvalidParameter
	}

	var errno syscall.Errno
	switch e := errors.Cause(err).(type) {
	case syscall.Errno:
		errno = e
	case *os.SyscallError:
		if en, ok := e.Err.(syscall.Errno); ok {
			errno = en
		}
	case *os.PathError:
		return FromErrno(e.Err)
	case *os.LinkError:
		return FromErrno(e.Err)
	default:
		return AccessViolation
	}

	if s, ok := errnoTable[errno]; ok {
		return s
	}
	return AccessViolation
}

// errnoTable is the transient-I/O-error translation table of spec §7.
var errnoTable = map[syscall.Errno]Code{
	syscall.EAGAIN:    SharingViolation,
	syscall.ENOSPC:    DiskFull,
	syscall.ENOENT:    NoSuchFile,
	syscall.EISDIR:    FileIsADirectory,
	syscall.ENOTEMPTY: DirectoryNotEmpty,
	syscall.EIO:       AccessViolation,
	syscall.EACCES:    AccessDenied,
	syscall.EEXIST:    ObjectNameCollision,
	syscall.EINVAL:    InvalidParameter,
	syscall.EXDEV:     NotSameDevice,
	syscall.ENOTSUP:   NotSupported,
	syscall.ENOLCK:    NotSupported,
	syscall.EBADF:     InvalidHandle,
	syscall.EMFILE:    NoMemory,
	syscall.ENOMEM:    NoMemory,
}

// Error adapts a Code to the error interface so it can travel through
// code paths that still want to use Go's error wrapping before being
// translated back at the request boundary.
type Error struct{ Code Code }

func (e Error) Error() string { return e.Code.String() }

// Wrap attaches a status code to an underlying error for logging,
// without losing the code itself.
func Wrap(err error, code Code) error {
	return errors.Wrapf(err, "status=%s", code)
}
