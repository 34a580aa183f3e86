package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kserverd/kserver/internal/config"
)

func TestResolveConfigRootPrefersWineprefix(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WINEPREFIX", dir)

	root, err := config.ResolveConfigRoot()
	require.NoError(t, err)
	require.Equal(t, dir, root)
}

func TestResolveConfigRootRejectsRelativeWineprefix(t *testing.T) {
	t.Setenv("WINEPREFIX", "relative/path")

	_, err := config.ResolveConfigRoot()
	require.Error(t, err)
}

func TestSocketDirIncludesUidDevIno(t *testing.T) {
	dir := t.TempDir()

	sockDir, err := config.SocketDir(dir)
	require.NoError(t, err)
	require.Contains(t, sockDir, "/tmp/.wine-")
	require.Contains(t, sockDir, "server-")
}

func TestAndroidSocketDirAppendsWineserver(t *testing.T) {
	got := config.AndroidSocketDir("/data/data/app/files")
	require.Equal(t, filepath.Join("/data/data/app/files", ".wineserver"), got)
}

func TestIsNoExecFalseForOrdinaryTempDir(t *testing.T) {
	dir := t.TempDir()
	require.False(t, config.IsNoExec(dir))
}

func TestResolveConfigRootMissingDirErrors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	t.Setenv("WINEPREFIX", dir)

	_, err := config.ResolveConfigRoot()
	require.Error(t, err)
	_ = os.Getenv("WINEPREFIX")
}
