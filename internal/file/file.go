// Package file implements the file and lock manager of component C9:
// create-disposition -> POSIX flag translation, mode derivation from a
// security descriptor or readonly attribute, and the readonly-reopen
// dance needed to open a file read-only when its permissions forbid it.
//
// Grounded on the teacher's fuse/api.go Create/Open handling, adapted
// from FUSE's single open-call model to this server's disposition
// table (spec §4.9).
package file

import (
	"errors"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kserverd/kserver/internal/fd"
	"github.com/kserverd/kserver/internal/object"
	"github.com/kserverd/kserver/internal/status"
)

// Disposition is the create-disposition argument of spec §4.9.
type Disposition int

const (
	Create Disposition = iota
	Open
	OpenIf
	Overwrite
	OverwriteIf
	Supersede
)

// Attribute bits relevant to mode derivation, per spec §4.9.
const (
	AttrReadonly uint32 = 1 << iota
	AttrDirectory
)

// dispositionFlags is the table of spec §4.9: flags added to the base
// open mode, plus any access augmentation.
func dispositionFlags(d Disposition) (flags int, accessAugment uint32) {
	switch d {
	case Create:
		return os.O_CREATE | os.O_EXCL, 0
	case Open:
		return 0, 0
	case OpenIf:
		return os.O_CREATE, 0
	case Overwrite:
		return os.O_TRUNC, fd.WriteAttributes
	case OverwriteIf:
		return os.O_CREATE | os.O_TRUNC, fd.WriteAttributes
	case Supersede:
		return os.O_CREATE | os.O_TRUNC, 0
	}
	return 0, 0
}

func baseOpenFlags(access uint32) int {
	switch {
	case access&fd.ReadData != 0 && access&fd.WriteData != 0:
		return os.O_RDWR
	case access&fd.WriteData != 0:
		return os.O_WRONLY
	default:
		return os.O_RDONLY
	}
}

// executableSuffixes is the heuristic set of spec §4.9 "executable
// suffix heuristics add execute bits when the file is readable".
var executableSuffixes = []string{".exe", ".com", ".bat", ".cmd", ".scr", ".dll"}

func hasExecutableSuffix(path string) bool {
	lower := strings.ToLower(path)
	for _, suf := range executableSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

// deriveMode implements spec §4.9 "File mode derives from the
// security descriptor's DACL ... or 0666/0777 based on
// FILE_ATTRIBUTE_READONLY. Executable-suffix heuristics add execute
// bits when the file is readable."
func deriveMode(path string, attrs uint32, sd *object.SecurityDescriptor) os.FileMode {
	var mode os.FileMode
	if sd != nil && len(sd.DACL) > 0 {
		mode = dacl2Mode(sd.DACL)
	} else if attrs&AttrReadonly != 0 {
		mode = 0444
	} else {
		mode = 0666
	}
	if attrs&AttrDirectory != 0 {
		if mode&0444 != 0 {
			mode |= 0111
		}
	} else if mode&0444 != 0 && hasExecutableSuffix(path) {
		mode |= 0111
	}
	return mode
}

// dacl2Mode is a deliberately coarse DACL->rwx mapper: the DACL is an
// opaque ACL blob per spec §3 (the core never interprets its format
// beyond this), so we only extract three permission-bit triples the
// caller is expected to have pre-flattened into the blob as
// owner/group/other octal digits.
func dacl2Mode(dacl []byte) os.FileMode {
	if len(dacl) < 3 {
		return 0644
	}
	return os.FileMode(dacl[0]&7)<<6 | os.FileMode(dacl[1]&7)<<3 | os.FileMode(dacl[2]&7)
}

// Manager opens and creates regular files per the disposition table,
// coordinating with the fd layer's sharing checks and byte-range lock
// manager.
type Manager struct {
	log *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log}
}

// CreateResult carries the opened POSIX fd plus whether the manager
// had to apply (and must later undo) a temporary readonly-reopen
// chmod, per spec §4.9.
type CreateResult struct {
	UnixFD           int
	Created          bool
	TempChmodApplied bool
	OriginalMode     os.FileMode
}

// Create implements spec §4.9's create-disposition table end to end:
// flag translation, mode derivation, and the readonly-reopen-for-open
// dance on EACCES.
func (m *Manager) Create(path string, access, options, attrs uint32, disposition Disposition, sd *object.SecurityDescriptor) (*CreateResult, status.Code) {
	extra, accessAugment := dispositionFlags(disposition)
	access |= accessAugment
	flags := baseOpenFlags(access) | extra

	mode := deriveMode(path, attrs, sd)
	if attrs&AttrDirectory != 0 {
		// Suppress owner-read during the window before inheritance
		// propagates; restored by the caller once the directory's
		// handle is fully set up.
		mode &^= 0400
	}

	unixFD, err := unix.Open(path, flags, uint32(mode))
	if err == nil {
		return &CreateResult{UnixFD: unixFD, Created: extra&os.O_CREATE != 0}, status.OK
	}

	if errors.Is(err, unix.EACCES) && flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return m.readonlyReopen(path, flags, mode)
	}
	return nil, status.FromErrno(err)
}

// readonlyReopen implements "a readonly-permission failure attempts a
// temporary chmod to permit open-as-readonly, then restores on
// close" (spec §4.9).
func (m *Manager) readonlyReopen(path string, flags int, mode os.FileMode) (*CreateResult, status.Code) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return nil, status.FromErrno(statErr)
	}
	original := info.Mode().Perm()

	if err := os.Chmod(path, original|0400); err != nil {
		return nil, status.FromErrno(err)
	}

	unixFD, err := unix.Open(path, flags, uint32(mode))
	if err != nil {
		_ = os.Chmod(path, original)
		return nil, status.FromErrno(err)
	}
	return &CreateResult{UnixFD: unixFD, TempChmodApplied: true, OriginalMode: original}, status.OK
}

// RestoreMode undoes a temporary readonly-reopen chmod on close, per
// spec §4.9.
func (m *Manager) RestoreMode(path string, res *CreateResult) {
	if res == nil || !res.TempChmodApplied {
		return
	}
	if err := os.Chmod(path, res.OriginalMode); err != nil {
		m.log.Warn("failed to restore mode after readonly reopen", zap.String("path", path), zap.Error(err))
	}
}
