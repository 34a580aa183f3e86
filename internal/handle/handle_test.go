package handle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kserverd/kserver/internal/object"
)

type stubObject struct {
	object.Header
	closable bool
}

func newStub() *stubObject {
	return &stubObject{Header: object.NewHeader(object.TypeEvent, nil), closable: true}
}

func (s *stubObject) Dump(bool) string           { return "stub" }
func (s *stubObject) GetType() object.Type       { return object.TypeEvent }
func (s *stubObject) AddWait(*object.WaitEntry)  {}
func (s *stubObject) RemoveWait(*object.WaitEntry) {}
func (s *stubObject) Signaled(*object.WaitEntry) bool { return false }
func (s *stubObject) Satisfied(*object.WaitEntry) {}
func (s *stubObject) Signal(uint32) bool          { return false }
func (s *stubObject) GetFD() (any, bool)          { return nil, false }
func (s *stubObject) MapAccess(m uint32) uint32   { return m }
func (s *stubObject) LookupName(string, uint32) (object.Object, bool) { return nil, false }
func (s *stubObject) LinkName(*object.NameEntry) bool { return true }
func (s *stubObject) UnlinkName(*object.NameEntry)    {}
func (s *stubObject) OpenFile(uint32, uint32, uint32) (object.Object, bool) {
	return nil, false
}
func (s *stubObject) CloseHandle() bool { return s.closable }
func (s *stubObject) Destroy()          {}

func TestAllocCloseInvalidatesHandle(t *testing.T) {
	tbl := New()
	obj := newStub()
	h := tbl.Alloc(obj, 0xF, 0)
	require.NotEqual(t, Invalid, h)

	_, code := tbl.GetObj(h, 0, nil)
	require.True(t, code.Ok())

	require.True(t, tbl.Close(h).Ok())
	_, code = tbl.GetObj(h, 0, nil)
	require.False(t, code.Ok())
}

func TestDuplicateCloseSourceInvalidatesSource(t *testing.T) {
	src := New()
	dst := New()
	obj := newStub()
	object.Grab(obj) // keep a ref alive across the whole test
	h := src.Alloc(obj, 0xF, 0)

	newH, code := Duplicate(src, h, dst, nil, 0, 0, SameAccess|CloseSource)
	require.True(t, code.Ok())

	_, code = src.GetObj(h, 0, nil)
	require.False(t, code.Ok(), "source handle must be invalid after CLOSE_SOURCE")

	o2, code := dst.GetObj(newH, 0, nil)
	require.True(t, code.Ok())
	object.Release(o2)
	object.Release(obj)
}

func TestAccessMaskEnforced(t *testing.T) {
	tbl := New()
	obj := newStub()
	h := tbl.Alloc(obj, 0x1, 0)
	_, code := tbl.GetObj(h, 0x2, nil)
	require.False(t, code.Ok())
}

func TestAllocReusesLowestFreeIndex(t *testing.T) {
	tbl := New()
	objs := make([]*stubObject, 4)
	handles := make([]uint32, 4)
	for i := range objs {
		objs[i] = newStub()
		handles[i] = tbl.Alloc(objs[i], 0xF, 0)
	}

	require.True(t, tbl.Close(handles[0]).Ok())
	require.True(t, tbl.Close(handles[2]).Ok())

	reused := newStub()
	h := tbl.Alloc(reused, 0xF, 0)
	require.Equal(t, handles[0], h, "alloc must reuse the lowest free index, not the most recently closed one")

	h2 := tbl.Alloc(newStub(), 0xF, 0)
	require.Equal(t, handles[2], h2)
}

func TestInheritCopiesOnlyInheritableHandles(t *testing.T) {
	tbl := New()
	a := newStub()
	b := newStub()
	object.Grab(a)
	object.Grab(b)
	tbl.Alloc(a, 0xF, Inherit)
	tbl.Alloc(b, 0xF, 0)

	child := tbl.Inherit()
	require.Equal(t, 1, child.Count())
}
