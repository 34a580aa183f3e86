package object

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
)

// stubObject is a minimal concrete object used to exercise refcounting
// without pulling in a real type package.
type stubObject struct {
	Header
	destroyedCount int
}

func newStub() *stubObject {
	h := NewHeader(TypeEvent, nil)
	return &stubObject{Header: h}
}

func (s *stubObject) Dump(bool) string        { return "stub" }
func (s *stubObject) GetType() Type           { return TypeEvent }
func (s *stubObject) AddWait(*WaitEntry)      {}
func (s *stubObject) RemoveWait(*WaitEntry)   {}
func (s *stubObject) Signaled(*WaitEntry) bool { return false }
func (s *stubObject) Satisfied(*WaitEntry)    {}
func (s *stubObject) Signal(uint32) bool      { return false }
func (s *stubObject) GetFD() (any, bool)      { return nil, false }
func (s *stubObject) MapAccess(m uint32) uint32 { return m }
func (s *stubObject) LookupName(string, uint32) (Object, bool) { return nil, false }
func (s *stubObject) LinkName(*NameEntry) bool { return true }
func (s *stubObject) UnlinkName(*NameEntry)    {}
func (s *stubObject) OpenFile(uint32, uint32, uint32) (Object, bool) { return nil, false }
func (s *stubObject) CloseHandle() bool        { return true }
func (s *stubObject) Destroy()                 { s.destroyedCount++ }

// TestRefCountingGrabRelease verifies spec §8 property 1: create then
// N grabs then N+1 releases destroys exactly once, at the final release.
func TestRefCountingGrabRelease(t *testing.T) {
	s := newStub()
	var obj Object = s

	const n = 5
	for i := 0; i < n; i++ {
		Grab(obj)
	}
	require.False(t, s.Destroyed())

	for i := 0; i < n; i++ {
		Release(obj)
		require.False(t, s.Destroyed(), "must not destroy before final release")
	}

	Release(obj)
	require.True(t, s.Destroyed())
	require.Equal(t, 1, s.destroyedCount, "destroy must run exactly once")
}

func TestReleaseOfNonPositiveRefcountPanics(t *testing.T) {
	s := newStub()
	var obj Object = s
	Release(obj)
	require.Panics(t, func() { Release(obj) })
}

func TestDestroyAssertsEmptyWaitQueueAndHandleCount(t *testing.T) {
	s := newStub()
	var obj Object = s
	s.IncHandleCount()
	require.Panics(t, func() { Release(obj) })
	s.DecHandleCount()
	require.NotPanics(t, func() { Release(obj) })
}

func TestNameEntryUnlinkOnDestroy(t *testing.T) {
	parent := newStub()
	var parentObj Object = parent
	Grab(parentObj) // simulate the strong ref a NameEntry would hold

	child := newStub()
	var childObj Object = child
	child.SetName(&NameEntry{Parent: parentObj, Name: "child", Obj: childObj})

	Release(childObj)
	require.True(t, child.Destroyed())
	// The parent ref held via the name entry must have been released too.
	require.True(t, parent.RefCount() == 1)
	Release(parentObj)
	require.True(t, parent.Destroyed())
}

// snapshot is the structural view of a Header used to diff
// expected-vs-actual object state, the generalization of a fuse-style
// debug dump to a comparable Go value.
type snapshot struct {
	RefCount    int32
	HandleCount int32
	Destroyed   bool
}

func dump(h *Header) snapshot {
	return snapshot{RefCount: h.RefCount(), HandleCount: h.HandleCount(), Destroyed: h.Destroyed()}
}

func TestGrabReleaseSnapshotMatchesExpected(t *testing.T) {
	s := newStub()
	var obj Object = s

	Grab(obj)
	s.IncHandleCount()

	want := snapshot{RefCount: 2, HandleCount: 1, Destroyed: false}
	got := dump(&s.Header)
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("object snapshot mismatch (-want +got):\n%s", diff)
	}

	s.DecHandleCount()
	Release(obj)
	Release(obj)

	want = snapshot{RefCount: 0, HandleCount: 0, Destroyed: true}
	got = dump(&s.Header)
	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("object snapshot mismatch after release (-want +got):\n%s", diff)
	}
}
