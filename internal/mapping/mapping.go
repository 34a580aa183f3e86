// Package mapping implements the section/mapping manager of component
// C10: anonymous and file-backed sections, PE image parsing for
// shared-writable backings, and committed-range tracking for
// reserve-style sections.
//
// Grounded on the teacher's fuse/server.go inode bookkeeping (the
// closest analogue on hand for "a piece of server-private state
// shared across many mappers of the same object") and on the spec's
// own PE-parsing description; there is no pack example that parses PE
// headers, so the binary layout here follows the spec directly.
package mapping

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/kserverd/kserver/internal/status"
)

// Protect/flags bits relevant to section creation, per spec §4.10.
const (
	SecImage uint32 = 1 << iota
	SecReserve
	SecCommit
	SecFile
)

// committedRange is one disjoint [start, end) range in a section's
// committed-range vector, per spec §4.10.
type committedRange struct{ start, end uint64 }

// Section is the core object of component C10.
type Section struct {
	Size        uint64
	Flags       uint32
	Protect     uint32
	BackingPath string
	SharedWritablePath string

	ranges []committedRange
}

// NewAnonymous allocates a temp-file-backed section with no client
// supplied backing file, per spec §4.10 "Without a backing file it
// allocates an anonymous temp file of the requested size".
func NewAnonymous(size uint64, flags, protect uint32) (*Section, error) {
	f, err := os.CreateTemp("", "kserver-section-*")
	if err != nil {
		return nil, errors.Wrap(err, "create anonymous section backing")
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, errors.Wrap(err, "truncate anonymous section backing")
	}
	return &Section{Size: size, Flags: flags, Protect: protect, BackingPath: f.Name()}, nil
}

// GrowIfNeeded implements "for non-image file-backed with size larger
// than the file: grow the file to the requested size (requires write
// access)" (spec §4.10).
func GrowIfNeeded(path string, size uint64, hasWriteAccess bool) status.Code {
	info, err := os.Stat(path)
	if err != nil {
		return status.FromErrno(err)
	}
	if uint64(info.Size()) >= size {
		return status.OK
	}
	if !hasWriteAccess {
		return status.AccessDenied
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return status.FromErrno(err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return status.FromErrno(err)
	}
	return status.OK
}

// AddRange merges [s, e) into the committed-range vector, coalescing
// with any overlapping or adjacent entry, per spec §4.10 add_range.
func (sec *Section) AddRange(s, e uint64) {
	if s >= e {
		return
	}
	merged := committedRange{s, e}
	out := sec.ranges[:0]
	for _, r := range sec.ranges {
		if r.end < merged.start || r.start > merged.end {
			out = append(out, r)
			continue
		}
		if r.start < merged.start {
			merged.start = r.start
		}
		if r.end > merged.end {
			merged.end = r.end
		}
	}
	out = append(out, merged)
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	sec.ranges = out
}

// FindRange returns the size and committed-ness of the first range at
// or after offset, per spec §4.10 find_range.
func (sec *Section) FindRange(offset uint64) (size uint64, committed bool) {
	for _, r := range sec.ranges {
		if r.end <= offset {
			continue
		}
		if r.start <= offset {
			return r.end - offset, true
		}
		return r.start - offset, false
	}
	return 0, false
}

// PE machine-type constants, per spec §4.10 "machine code in file
// header must match".
const (
	machineI386  = 0x014c
	machineAmd64 = 0x8664
	machineArm   = 0x01c0
	machineArm64 = 0xaa64
	machinePPC   = 0x01f0
)

// CPU identifies the caller process's architecture for the PE
// machine-match check.
type CPU int

const (
	CPUx86 CPU = iota
	CPUx86_64
	CPUArm
	CPUArm64
	CPUPowerPC
)

var cpuMachine = map[CPU]uint16{
	CPUx86:     machineI386,
	CPUx86_64:  machineAmd64,
	CPUArm:     machineArm,
	CPUArm64:   machineArm64,
	CPUPowerPC: machinePPC,
}

// peSection is one parsed PE section header relevant to the
// shared-writable-backing computation.
type peSection struct {
	name            string
	virtualAddress  uint32
	rawDataPointer  uint32
	rawDataSize     uint32
	characteristics uint32
}

const (
	sectionSharedWrite = 0x30000000 // IMAGE_SCN_MEM_SHARED | IMAGE_SCN_MEM_WRITE
)

// ParsePE reads the DOS header, NT headers, and section table of a PE
// image and validates the machine type against cpu, per spec §4.10.
func ParsePE(data []byte, cpu CPU) ([]peSection, error) {
	if len(data) < 0x40 || data[0] != 'M' || data[1] != 'Z' {
		return nil, errors.New("not a PE image: missing MZ signature")
	}
	peOffset := binary.LittleEndian.Uint32(data[0x3c:0x40])
	if uint64(peOffset)+24 > uint64(len(data)) {
		return nil, errors.New("PE header offset out of range")
	}
	if !bytes.Equal(data[peOffset:peOffset+4], []byte("PE\x00\x00")) {
		return nil, errors.New("not a PE image: missing PE signature")
	}

	fileHeader := data[peOffset+4 : peOffset+24]
	machine := binary.LittleEndian.Uint16(fileHeader[0:2])
	wantMachine, ok := cpuMachine[cpu]
	matched := ok && machine == wantMachine
	// ARM callers also accept the Thumb (0x01c2) and ARMNT (0x01c4)
	// machine codes: all three share the CPUArm bucket.
	if ok && cpu == CPUArm && (machine == 0x01c2 || machine == 0x01c4) {
		matched = true
	}
	if !matched {
		return nil, errors.Errorf("PE machine 0x%x does not match caller CPU", machine)
	}

	numSections := binary.LittleEndian.Uint16(fileHeader[2:4])
	optHeaderSize := binary.LittleEndian.Uint16(fileHeader[16:18])

	sectionTableOff := peOffset + 24 + uint32(optHeaderSize)
	sections := make([]peSection, 0, numSections)
	const sectionHeaderSize = 40
	for i := uint16(0); i < numSections; i++ {
		off := sectionTableOff + uint32(i)*sectionHeaderSize
		if uint64(off)+sectionHeaderSize > uint64(len(data)) {
			break
		}
		hdr := data[off : off+sectionHeaderSize]
		name := string(bytes.TrimRight(hdr[0:8], "\x00"))
		sections = append(sections, peSection{
			name:            name,
			virtualAddress:  binary.LittleEndian.Uint32(hdr[12:16]),
			rawDataSize:     binary.LittleEndian.Uint32(hdr[16:20]),
			rawDataPointer:  binary.LittleEndian.Uint32(hdr[20:24]),
			characteristics: binary.LittleEndian.Uint32(hdr[36:40]),
		})
	}
	return sections, nil
}

// sharedWritableBackingCache tracks, per image backing path, the
// server-private temp file produced by concatenating that image's
// SHARED|WRITE sections, so a second mapper of the same file reuses
// it rather than recomputing it (spec §4.10 "a per-mapping linked-list
// entry allows later maps of the same backing file to reuse the same
// shared-writable backing").
type sharedWritableBackingCache struct {
	byPath map[string]string
}

func newSharedWritableBackingCache() *sharedWritableBackingCache {
	return &sharedWritableBackingCache{byPath: make(map[string]string)}
}

// BuildSharedWritableBacking concatenates every SHARED|WRITE section
// of the parsed image into a single new server-private temp file, or
// returns the cached one for this backing path.
func (c *sharedWritableBackingCache) BuildSharedWritableBacking(backingPath string, data []byte, sections []peSection) (string, error) {
	if p, ok := c.byPath[backingPath]; ok {
		return p, nil
	}

	var buf bytes.Buffer
	for _, s := range sections {
		if s.characteristics&sectionSharedWrite != sectionSharedWrite {
			continue
		}
		end := s.rawDataPointer + s.rawDataSize
		if uint64(end) > uint64(len(data)) {
			return "", fmt.Errorf("section %s raw data out of range", s.name)
		}
		buf.Write(data[s.rawDataPointer:end])
	}

	f, err := os.CreateTemp("", "kserver-image-shared-*")
	if err != nil {
		return "", errors.Wrap(err, "create shared-writable backing")
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return "", errors.Wrap(err, "write shared-writable backing")
	}

	c.byPath[backingPath] = f.Name()
	return f.Name(), nil
}

// Manager owns the shared-writable-backing cache across all sections
// created by the server.
type Manager struct {
	cache *sharedWritableBackingCache
}

func NewManager() *Manager {
	return &Manager{cache: newSharedWritableBackingCache()}
}

// CreateImage builds a Section for an IMAGE-mapped file, per spec
// §4.10's IMAGE bullet.
func (m *Manager) CreateImage(path string, cpu CPU) (*Section, status.Code) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, status.FromErrno(err)
	}
	sections, err := ParsePE(data, cpu)
	if err != nil {
		return nil, status.InvalidParameter
	}
	shared, err := m.cache.BuildSharedWritableBacking(path, data, sections)
	if err != nil {
		return nil, status.AccessViolation
	}
	return &Section{
		Size:               uint64(len(data)),
		Flags:              SecImage,
		BackingPath:        path,
		SharedWritablePath: shared,
	}, status.OK
}
