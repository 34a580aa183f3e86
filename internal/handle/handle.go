// Package handle implements the per-process handle table of component
// C3: opaque handle allocation, duplication, inheritance, and closing.
//
// Modeled on the free-list bookkeeping in the teacher's
// fuse.portableHandleMap (fuse/handle.go), generalized from a single
// flat object map to per-entry access masks and attributes.
package handle

import (
	"github.com/kserverd/kserver/internal/object"
	"github.com/kserverd/kserver/internal/status"
)

// Attribute bits on a handle table entry.
const (
	Inherit uint32 = 1 << iota
	ProtectFromClose
)

// Invalid is the sentinel for "no handle" (handle 0 is never valid,
// per spec §3).
const Invalid uint32 = 0

// slotStride encodes "lowest two bits reserved" from spec §3: handle
// values are always multiples of 4, which also keeps them distinct
// from 0 and from -1 (0xFFFFFFFF) for any plausible table size.
const slotStride = 4

type entry struct {
	obj    object.Object
	access uint32
	attrs  uint32
}

// Table is a per-process handle table.
type Table struct {
	entries []*entry // index i holds handle (i+1)*slotStride
	free    []int
}

func New() *Table {
	return &Table{}
}

func indexToHandle(i int) uint32 { return uint32(i+1) * slotStride }
func handleToIndex(h uint32) (int, bool) {
	if h == 0 || h%slotStride != 0 {
		return 0, false
	}
	return int(h/slotStride) - 1, true
}

// freePush returns idx to the free list, keeping it sorted ascending
// so freePop always yields the lowest free index.
func (t *Table) freePush(idx int) {
	i := 0
	for i < len(t.free) && t.free[i] < idx {
		i++
	}
	t.free = append(t.free, 0)
	copy(t.free[i+1:], t.free[i:])
	t.free[i] = idx
}

// freePop removes and returns the lowest free index.
func (t *Table) freePop() int {
	idx := t.free[0]
	t.free = t.free[1:]
	return idx
}

// Alloc installs obj with the given access mask and attributes,
// returning a fresh handle. The table takes ownership of the
// reference the caller passes in (it does not Grab it itself).
//
// Per spec §4.3, allocation picks the lowest free index rather than
// reusing whichever slot was most recently closed.
func (t *Table) Alloc(obj object.Object, access, attrs uint32) uint32 {
	e := &entry{obj: obj, access: access, attrs: attrs}
	var idx int
	if len(t.free) > 0 {
		idx = t.freePop()
		t.entries[idx] = e
	} else {
		idx = len(t.entries)
		t.entries = append(t.entries, e)
	}
	return indexToHandle(idx)
}

// GetObj validates the handle and access mask, returning a freshly
// Grab'd reference to the object on success (caller must Release it).
func (t *Table) GetObj(h uint32, requiredAccess uint32, requiredType *object.Type) (object.Object, status.Code) {
	idx, ok := handleToIndex(h)
	if !ok || idx >= len(t.entries) || t.entries[idx] == nil {
		return nil, status.InvalidHandle
	}
	e := t.entries[idx]
	if requiredAccess != 0 && e.access&requiredAccess != requiredAccess {
		return nil, status.AccessDenied
	}
	if requiredType != nil && e.obj.GetType() != *requiredType {
		return nil, status.ObjectTypeMismatch
	}
	return object.Grab(e.obj), status.OK
}

// Close invokes the object's close veto and, unless vetoed or
// protected, frees the slot and releases the table's reference.
func (t *Table) Close(h uint32) status.Code {
	idx, ok := handleToIndex(h)
	if !ok || idx >= len(t.entries) || t.entries[idx] == nil {
		return status.InvalidHandle
	}
	e := t.entries[idx]
	if e.attrs&ProtectFromClose != 0 {
		return status.HandleNotClosable
	}
	if !e.obj.CloseHandle() {
		return status.HandleNotClosable
	}
	t.entries[idx] = nil
	t.freePush(idx)
	object.Release(e.obj)
	return status.OK
}

// DuplicateOptions mirrors DUPLICATE_SAME_ACCESS / DUPLICATE_CLOSE_SOURCE.
const (
	SameAccess  uint32 = 1 << iota
	CloseSource
)

// Duplicate copies an entry from src into dst (which may be the same
// table), per spec §4.3. If dstHandle is nil, a fresh handle is
// allocated in dst.
func Duplicate(src *Table, srcHandle uint32, dst *Table, dstHandle *uint32, access, attrs, options uint32) (uint32, status.Code) {
	idx, ok := handleToIndex(srcHandle)
	if !ok || idx >= len(src.entries) || src.entries[idx] == nil {
		return Invalid, status.InvalidHandle
	}
	e := src.entries[idx]

	grantAccess := access
	if options&SameAccess != 0 {
		grantAccess = e.access
	}

	obj := object.Grab(e.obj)
	var newHandle uint32
	if dstHandle != nil {
		newHandle = dst.installAt(*dstHandle, obj, grantAccess, attrs)
	} else {
		newHandle = dst.Alloc(obj, grantAccess, attrs)
	}

	if options&CloseSource != 0 {
		src.entries[idx] = nil
		src.freePush(idx)
		object.Release(e.obj)
	}
	return newHandle, status.OK
}

// installAt places obj at a caller-chosen handle value, growing the
// table if necessary. Used by Duplicate when the destination handle
// is pre-selected by the caller.
func (t *Table) installAt(h uint32, obj object.Object, access, attrs uint32) uint32 {
	idx, ok := handleToIndex(h)
	if !ok {
		return t.Alloc(obj, access, attrs)
	}
	for len(t.entries) <= idx {
		t.entries = append(t.entries, nil)
	}
	t.entries[idx] = &entry{obj: obj, access: access, attrs: attrs}
	return indexToHandle(idx)
}

// Inherit copies every INHERIT-attributed entry into a freshly
// allocated child table, Grab'ing each object once per spec §4.3.
func (t *Table) Inherit() *Table {
	child := New()
	for _, e := range t.entries {
		if e == nil || e.attrs&Inherit == 0 {
			continue
		}
		child.Alloc(object.Grab(e.obj), e.access, e.attrs)
	}
	return child
}

// CloseAll releases every live entry, used at process teardown.
func (t *Table) CloseAll() {
	for i, e := range t.entries {
		if e == nil {
			continue
		}
		t.entries[i] = nil
		object.Release(e.obj)
	}
	t.free = nil
}

// Count returns the number of live entries, for diagnostics/tests.
func (t *Table) Count() int {
	n := 0
	for _, e := range t.entries {
		if e != nil {
			n++
		}
	}
	return n
}
