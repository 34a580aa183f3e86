// Package namespace implements the named-object directory tree and
// symbolic-link resolution of component C2: hash-bucketed name lookup,
// parent/child links, and the lookup_named_object path walker of
// spec §4.2.
package namespace

import (
	"strings"

	"go.uber.org/zap"

	"github.com/kserverd/kserver/internal/object"
)

// Lookup attribute bits (caller-supplied), mirroring OBJ_CASE_INSENSITIVE
// and OBJ_OPENLINK from the Windows object-attributes flags.
const (
	CaseInsensitive uint32 = 1 << iota
	OpenLink
)

// maxSymlinkRedirects bounds a cyclic symlink chain, per spec §8
// property 4 ("a cyclic chain fails lookup with OBJECT_PATH_NOT_FOUND").
const maxSymlinkRedirects = 32

// Directory is a container object owning a fixed-size bucket array of
// name-entry lists, per spec §3 "Name entry" / §4.2.
type Directory struct {
	object.Header
	buckets [][]*object.NameEntry
	log     *zap.Logger
}

// NewDirectory creates a directory with the given hash-bucket count
// (spec suggests small primes: 7, 17, 37).
func NewDirectory(bucketCount int, log *zap.Logger) *Directory {
	if bucketCount <= 0 {
		bucketCount = 17
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Directory{
		Header:  object.NewHeader(object.TypeDirectory, log),
		buckets: make([][]*object.NameEntry, bucketCount),
		log:     log,
	}
	return d
}

func hashName(name string) uint32 {
	// Case-insensitive FNV-1a over the lower-cased name, matching the
	// "hashed into the parent directory's bucket array by
	// case-insensitive hash" requirement of spec §3.
	var h uint32 = 2166136261
	for _, r := range strings.ToLower(name) {
		h ^= uint32(r)
		h *= 16777619
	}
	return h
}

func (d *Directory) bucketFor(name string) int {
	return int(hashName(name) % uint32(len(d.buckets)))
}

func sameName(a, b string, caseInsensitive bool) bool {
	if caseInsensitive {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// find returns the name entry for `name` in this directory, or nil.
func (d *Directory) find(name string, caseInsensitive bool) *object.NameEntry {
	b := d.buckets[d.bucketFor(name)]
	for _, e := range b {
		if sameName(e.Name, name, caseInsensitive) {
			return e
		}
	}
	return nil
}

// LookupName implements object.Ops for Directory: container lookup of
// a single path component.
func (d *Directory) LookupName(name string, attrs uint32) (object.Object, bool) {
	e := d.find(name, attrs&CaseInsensitive != 0)
	if e == nil {
		return nil, false
	}
	return e.Obj, true
}

// LinkName inserts entry into this directory's bucket array. Returns
// false if an entry with the same name (case-insensitive) already
// exists; the caller (CreateOrOpen) decides what that means.
func (d *Directory) LinkName(entry *object.NameEntry) bool {
	if d.find(entry.Name, true) != nil {
		return false
	}
	i := d.bucketFor(entry.Name)
	d.buckets[i] = append(d.buckets[i], entry)
	return true
}

// UnlinkName removes entry from this directory.
func (d *Directory) UnlinkName(entry *object.NameEntry) {
	i := d.bucketFor(entry.Name)
	b := d.buckets[i]
	for idx, e := range b {
		if e == entry {
			d.buckets[i] = append(b[:idx], b[idx+1:]...)
			return
		}
	}
}

func (d *Directory) Dump(verbose bool) string { return "Directory" }
func (d *Directory) GetType() object.Type     { return object.TypeDirectory }
func (d *Directory) AddWait(*object.WaitEntry)    {}
func (d *Directory) RemoveWait(*object.WaitEntry) {}
func (d *Directory) Signaled(*object.WaitEntry) bool { return false }
func (d *Directory) Satisfied(*object.WaitEntry)  {}
func (d *Directory) Signal(uint32) bool           { return false }
func (d *Directory) GetFD() (any, bool)           { return nil, false }
func (d *Directory) MapAccess(mask uint32) uint32 { return mask }
func (d *Directory) OpenFile(uint32, uint32, uint32) (object.Object, bool) {
	return nil, false
}
func (d *Directory) CloseHandle() bool { return true }
func (d *Directory) Destroy()          {}

// SymbolicLink is a plain object whose presence mid-path redirects
// resolution, per spec §4.2 / §3.
type SymbolicLink struct {
	object.Header
	Target string
}

func NewSymbolicLink(target string, log *zap.Logger) *SymbolicLink {
	if log == nil {
		log = zap.NewNop()
	}
	return &SymbolicLink{
		Header: object.NewHeader(object.TypeSymbolicLink, log),
		Target: target,
	}
}

func (s *SymbolicLink) Dump(bool) string      { return "SymbolicLink -> " + s.Target }
func (s *SymbolicLink) GetType() object.Type  { return object.TypeSymbolicLink }
func (s *SymbolicLink) AddWait(*object.WaitEntry)    {}
func (s *SymbolicLink) RemoveWait(*object.WaitEntry) {}
func (s *SymbolicLink) Signaled(*object.WaitEntry) bool { return false }
func (s *SymbolicLink) Satisfied(*object.WaitEntry)  {}
func (s *SymbolicLink) Signal(uint32) bool           { return false }
func (s *SymbolicLink) GetFD() (any, bool)           { return nil, false }
func (s *SymbolicLink) MapAccess(mask uint32) uint32 { return mask }
func (s *SymbolicLink) LookupName(string, uint32) (object.Object, bool) { return nil, false }
func (s *SymbolicLink) LinkName(*object.NameEntry) bool { return true }
func (s *SymbolicLink) UnlinkName(*object.NameEntry)    {}
func (s *SymbolicLink) OpenFile(uint32, uint32, uint32) (object.Object, bool) {
	return nil, false
}
func (s *SymbolicLink) CloseHandle() bool { return true }
func (s *SymbolicLink) Destroy()          {}

// LookupResult carries the outcome of Lookup: either a fully resolved
// object, or the deepest resolved parent plus the residual path, used
// by create-or-open callers (spec §4.2 "name_left").
type LookupResult struct {
	Obj       object.Object
	Parent    object.Object
	NameLeft  string
	Found     bool
}

// container narrows an object.Object down to the subset of Ops used
// for descending the tree.
type container interface {
	LookupName(name string, attrs uint32) (object.Object, bool)
}

// Lookup implements lookup_named_object of spec §4.2: splits path on
// '\', descends via LookupName, and follows symbolic links found
// mid-path (restarting from root) unless attrs carries OpenLink and
// the link is the final component.
func Lookup(root object.Object, path string, attrs uint32) LookupResult {
	if path == "" {
		return LookupResult{Obj: root, Found: true}
	}

	components := splitPath(path)
	redirects := 0

	cur := root
	var parent object.Object
	for i := 0; i < len(components); i++ {
		comp := components[i]
		if comp == "" {
			continue
		}
		c, ok := cur.(container)
		if !ok {
			return LookupResult{Parent: cur, NameLeft: strings.Join(components[i:], `\`), Found: false}
		}
		child, ok := c.LookupName(comp, attrs)
		if !ok {
			return LookupResult{Parent: cur, NameLeft: strings.Join(components[i:], `\`), Found: false}
		}

		if sl, isLink := child.(*SymbolicLink); isLink {
			last := i == len(components)-1
			if last && attrs&OpenLink != 0 {
				return LookupResult{Obj: child, Parent: cur, Found: true}
			}
			redirects++
			if redirects > maxSymlinkRedirects {
				return LookupResult{Found: false, NameLeft: path}
			}
			rest := components[i+1:]
			newComponents := append(splitPath(sl.Target), rest...)
			components = newComponents
			i = -1
			cur = root
			parent = nil
			continue
		}

		parent = cur
		cur = child
	}

	return LookupResult{Obj: cur, Parent: parent, Found: true}
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, `\`)
	if path == "" {
		return nil
	}
	return strings.Split(path, `\`)
}

// CreateOrOpen implements the create-or-open collision rule of spec
// §8 property 3: creating a name that already exists fails with
// collision unless openIf is set and the existing object's type
// matches sameType, in which case the existing object is returned
// with found=true (OBJECT_NAME_EXISTS semantics).
func CreateOrOpen(parent *Directory, name string, openIf bool, sameType func(object.Object) bool) (existing object.Object, collision bool, found bool) {
	e := parent.find(name, true)
	if e == nil {
		return nil, false, false
	}
	if openIf && sameType(e.Obj) {
		return e.Obj, false, true
	}
	return e.Obj, true, true
}
