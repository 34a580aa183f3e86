package mapping_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kserverd/kserver/internal/mapping"
	"github.com/kserverd/kserver/internal/status"
)

// TestAddRangeMergesOverlappingAndAdjacent reproduces spec §8 property
// 7: add_range must coalesce overlapping and touching ranges rather
// than accumulating duplicates.
func TestAddRangeMergesOverlappingAndAdjacent(t *testing.T) {
	sec := &mapping.Section{}
	sec.AddRange(0, 10)
	sec.AddRange(10, 20) // adjacent
	sec.AddRange(5, 15)  // overlapping

	size, committed := sec.FindRange(0)
	require.True(t, committed)
	require.Equal(t, uint64(20), size)
}

func TestAddRangeKeepsDisjointRangesSeparate(t *testing.T) {
	sec := &mapping.Section{}
	sec.AddRange(0, 10)
	sec.AddRange(100, 110)

	size, committed := sec.FindRange(50)
	require.False(t, committed)
	require.Equal(t, uint64(50), size) // distance to the next range's start
}

func TestFindRangeReturnsZeroValueWhenNothingPastOffset(t *testing.T) {
	sec := &mapping.Section{}
	sec.AddRange(0, 10)

	size, committed := sec.FindRange(20)
	require.False(t, committed)
	require.Zero(t, size)
}

func TestGrowIfNeededRequiresWriteAccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0644))

	code := mapping.GrowIfNeeded(path, 100, false)
	require.Equal(t, status.AccessDenied, code)

	code = mapping.GrowIfNeeded(path, 100, true)
	require.True(t, code.Ok())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(100), info.Size())
}

func TestGrowIfNeededNoopWhenAlreadyLargeEnough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0644))

	code := mapping.GrowIfNeeded(path, 10, false)
	require.True(t, code.Ok())
}

// buildMinimalPE writes a tiny PE image with one SHARED|WRITE section
// so ParsePE and the shared-writable-backing builder have something
// real to parse.
func buildMinimalPE(t *testing.T, machine uint16) []byte {
	t.Helper()
	const peOffset = 0x80
	const numSections = 1
	const optHeaderSize = 0
	const sectionHeaderOff = peOffset + 24 + optHeaderSize
	const sectionDataOff = sectionHeaderOff + 40
	sectionData := []byte("shared-writable-payload-bytes-1")

	buf := make([]byte, sectionDataOff+len(sectionData))
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:0x40], peOffset)
	copy(buf[peOffset:peOffset+4], []byte("PE\x00\x00"))

	fileHeader := buf[peOffset+4 : peOffset+24]
	binary.LittleEndian.PutUint16(fileHeader[0:2], machine)
	binary.LittleEndian.PutUint16(fileHeader[2:4], numSections)
	binary.LittleEndian.PutUint16(fileHeader[16:18], optHeaderSize)

	hdr := buf[sectionHeaderOff : sectionHeaderOff+40]
	copy(hdr[0:8], []byte(".data\x00\x00\x00"))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(sectionData)))
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(sectionDataOff))
	binary.LittleEndian.PutUint32(hdr[36:40], 0x30000000) // SHARED|WRITE

	copy(buf[sectionDataOff:], sectionData)
	return buf
}

func TestParsePERejectsMismatchedMachine(t *testing.T) {
	data := buildMinimalPE(t, 0x014c) // i386
	_, err := mapping.ParsePE(data, mapping.CPUx86_64)
	require.Error(t, err)
}

func TestParsePEAcceptsMatchingMachine(t *testing.T) {
	data := buildMinimalPE(t, 0x8664) // amd64
	sections, err := mapping.ParsePE(data, mapping.CPUx86_64)
	require.NoError(t, err)
	require.Len(t, sections, 1)
}

func TestCreateImageBuildsSharedWritableBackingOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.exe")
	require.NoError(t, os.WriteFile(path, buildMinimalPE(t, 0x8664), 0644))

	m := mapping.NewManager()
	sec1, code := m.CreateImage(path, mapping.CPUx86_64)
	require.True(t, code.Ok())
	require.NotEmpty(t, sec1.SharedWritablePath)

	sec2, code := m.CreateImage(path, mapping.CPUx86_64)
	require.True(t, code.Ok())
	require.Equal(t, sec1.SharedWritablePath, sec2.SharedWritablePath, "second mapper must reuse the cached backing")
}

func TestCreateImageRejectsWrongCPU(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.exe")
	require.NoError(t, os.WriteFile(path, buildMinimalPE(t, 0x014c), 0644))

	m := mapping.NewManager()
	_, code := m.CreateImage(path, mapping.CPUx86_64)
	require.Equal(t, status.InvalidParameter, code)
}
