package namespace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kserverd/kserver/internal/object"
)

func link(t *testing.T, dir *Directory, name string, obj object.Object) {
	t.Helper()
	entry := &object.NameEntry{Parent: dir, Name: name, Obj: obj}
	require.True(t, dir.LinkName(entry))
	obj.Header().SetName(entry)
}

func TestLookupPlainPath(t *testing.T) {
	root := NewDirectory(7, nil)
	a := NewDirectory(7, nil)
	link(t, root, "A", a)
	b := NewDirectory(7, nil)
	link(t, a, "B", b)

	res := Lookup(root, `A\B`, 0)
	require.True(t, res.Found)
	require.Same(t, object.Object(b), res.Obj)
}

func TestSymbolicLinkResolvesThroughTarget(t *testing.T) {
	root := NewDirectory(7, nil)
	a := NewDirectory(7, nil)
	link(t, root, "A", a)
	b := NewDirectory(7, nil)
	link(t, a, "B", b)

	link2 := NewSymbolicLink(`A\B`, nil)
	link(t, root, "L", link2)

	res := Lookup(root, "L", 0)
	require.True(t, res.Found)
	require.Same(t, object.Object(b), res.Obj, "non-OPEN_LINK traversal must resolve through the target")

	res2 := Lookup(root, "L", OpenLink)
	require.True(t, res2.Found)
	require.Same(t, object.Object(link2), res2.Obj, "OPEN_LINK must return the link itself")
}

func TestCyclicSymlinkFailsLookup(t *testing.T) {
	root := NewDirectory(7, nil)
	l1 := NewSymbolicLink(`L2`, nil)
	link(t, root, "L1", l1)
	l2 := NewSymbolicLink(`L1`, nil)
	link(t, root, "L2", l2)

	res := Lookup(root, "L1", 0)
	require.False(t, res.Found)
}

func TestNameCollisionAndOpenIf(t *testing.T) {
	root := NewDirectory(7, nil)
	existing := NewDirectory(7, nil)
	link(t, root, "X", existing)

	// Creating a second object with the same name fails with collision.
	_, collision, found := CreateOrOpen(root, "X", false, func(object.Object) bool { return true })
	require.True(t, found)
	require.True(t, collision)

	// OPEN_IF + matching type returns the existing object (OBJECT_NAME_EXISTS).
	obj, collision2, found2 := CreateOrOpen(root, "X", true, func(o object.Object) bool {
		return o.GetType() == object.TypeDirectory
	})
	require.True(t, found2)
	require.False(t, collision2)
	require.Same(t, object.Object(existing), obj)
}

func TestCaseInsensitiveLookup(t *testing.T) {
	root := NewDirectory(7, nil)
	a := NewDirectory(7, nil)
	link(t, root, "MixedCase", a)

	res := Lookup(root, "mixedcase", CaseInsensitive)
	require.True(t, res.Found)
	require.Same(t, object.Object(a), res.Obj)
}
