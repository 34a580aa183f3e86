// Package startup implements the startup-info handoff of component
// C15: the object a parent creates to pass initial process data to a
// child across the socketpair handed over in a new_process request.
//
// Grounded on the teacher's use of a single opaque per-connection
// state struct (fuse/server.go's Server) as the template for "one
// object carrying everything the other side needs to bootstrap",
// adapted here to the parent/child startup-info handshake of spec
// §4.15; google/uuid stands in for the instance identifier the spec
// leaves unspecified.
package startup

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kserverd/kserver/internal/object"
	"github.com/kserverd/kserver/internal/status"
)

// ProcessState mirrors the process.startup_state field spec §4.15
// checks: "signaled when process.startup_state != IN_PROGRESS".
type ProcessState int

const (
	InProgress ProcessState = iota
	Done
	Failed
)

// Info is the startup-info object of spec §3/§4.15.
type Info struct {
	object.Header

	InstanceID uuid.UUID

	ExeFile string
	process *ProcessHandle

	infoSize uint32
	dataSize uint32
	data     []byte // set to nil once retrieved, per spec §4.15 "transfers ownership"

	retrieved bool
}

// ProcessHandle is the minimal view of a child process this package
// needs: its startup state and the socketpair fd used for requests.
type ProcessHandle struct {
	State       ProcessState
	RequestSock int // one end of the socketpair passed to the child
}

func New(exe string, proc *ProcessHandle, data []byte, log *zap.Logger) *Info {
	return &Info{
		Header:     object.NewHeader(object.TypeStartupInfo, log),
		InstanceID: uuid.New(),
		ExeFile:    exe,
		process:    proc,
		infoSize:   uint32(len(data)),
		dataSize:   uint32(len(data)),
		data:       data,
	}
}

func (i *Info) Dump(bool) string      { return "StartupInfo" }
func (i *Info) GetType() object.Type  { return object.TypeStartupInfo }
func (i *Info) AddWait(e *object.WaitEntry)    { i.AddWaitEntry(e) }
func (i *Info) RemoveWait(e *object.WaitEntry) { i.RemoveWaitEntry(e) }

// Signaled implements "signaled when process.startup_state !=
// IN_PROGRESS" (spec §4.15).
func (i *Info) Signaled(*object.WaitEntry) bool {
	return i.process == nil || i.process.State != InProgress
}
func (i *Info) Satisfied(*object.WaitEntry) {}
func (i *Info) Signal(uint32) bool          { return false }
func (i *Info) GetFD() (any, bool)          { return nil, false }
func (i *Info) MapAccess(mask uint32) uint32 { return mask }
func (i *Info) LookupName(string, uint32) (object.Object, bool) { return nil, false }
func (i *Info) LinkName(*object.NameEntry) bool { return true }
func (i *Info) UnlinkName(*object.NameEntry)    {}
func (i *Info) OpenFile(uint32, uint32, uint32) (object.Object, bool) {
	return nil, false
}
func (i *Info) CloseHandle() bool { return true }
func (i *Info) Destroy()          {}

// GetStartupInfo implements spec §4.15 "The child calls
// get_startup_info to retrieve the data region exactly once (the
// server transfers ownership: the buffer is set to null after
// read)".
func (i *Info) GetStartupInfo() ([]byte, status.Code) {
	if i.retrieved {
		return nil, status.OK // already consumed; not an error, just empty
	}
	i.retrieved = true
	data := i.data
	i.data = nil
	return data, status.OK
}

// InitProcessDone implements spec §4.15 "The child signals
// init_process_done, which transitions the state and wakes parents."
func InitProcessDone(i *Info, wake func(object.Object)) {
	if i.process != nil {
		i.process.State = Done
	}
	if wake != nil {
		wake(i)
	}
}
