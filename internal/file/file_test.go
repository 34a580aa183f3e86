package file_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kserverd/kserver/internal/fd"
	"github.com/kserverd/kserver/internal/file"
	"github.com/kserverd/kserver/internal/status"
)

func TestCreateDispositionCreateFailsIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	m := file.NewManager(nil)
	_, code := m.Create(path, fd.ReadData, 0, 0, file.Create, nil)
	require.Equal(t, status.ObjectNameCollision, code)
}

func TestCreateDispositionOpenIfCreatesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new")

	m := file.NewManager(nil)
	res, code := m.Create(path, fd.ReadData|fd.WriteData, 0, 0, file.OpenIf, nil)
	require.True(t, code.Ok())
	require.True(t, res.Created)
	require.FileExists(t, path)
}

func TestCreateDispositionOverwriteTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trunc")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	m := file.NewManager(nil)
	_, code := m.Create(path, fd.WriteData, 0, 0, file.Overwrite, nil)
	require.True(t, code.Ok())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestCreateModeReadonlyAttribute(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ro")

	m := file.NewManager(nil)
	_, code := m.Create(path, fd.ReadData, 0, file.AttrReadonly, file.OpenIf, nil)
	require.True(t, code.Ok())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0444), info.Mode().Perm())
}

func TestCreateReadonlyReopenRestoresOnRequest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0000))

	m := file.NewManager(nil)
	res, code := m.Create(path, fd.ReadData, 0, 0, file.Open, nil)
	require.True(t, code.Ok())
	require.True(t, res.TempChmodApplied)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Mode().Perm()&0400)

	m.RestoreMode(path, res)
	info, err = os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0000), info.Mode().Perm())
}

func TestCreateMissingFileOpenReturnsNoSuchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing")

	m := file.NewManager(nil)
	_, code := m.Create(path, fd.ReadData, 0, 0, file.Open, nil)
	require.Equal(t, status.NoSuchFile, code)
}

// sanity: syscall.EACCES is the errno the readonly-reopen path
// branches on; verify the status translation table still maps it to
// ACCESS_DENIED for the non-reopen-eligible case (write access
// requested against a 0444 file skips the reopen dance entirely).
func TestWriteAccessAgainstReadonlyFileIsAccessDenied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ro2")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0444))

	m := file.NewManager(nil)
	_, code := m.Create(path, fd.WriteData, 0, 0, file.Open, nil)
	require.Equal(t, status.AccessDenied, code)
	_ = syscall.EACCES
}
