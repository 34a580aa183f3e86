// Package config resolves the server's configuration root and socket
// directory, and binds the command-line flags used across the server
// binary, per spec §6 "Server directory and socket path".
//
// Grounded on gcsfuse's cmd/root.go cobra+viper wiring (RunE
// validating bound flags against a cfg.Config struct) adapted to this
// server's $WINEPREFIX/$HOME/.wine discovery instead of a bucket/mount
// argument pair, and on rclone's moby/sys/mountinfo usage for
// filesystem-property detection, generalized here to the noexec
// check spec §6 describes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
)

// Config is the resolved, validated set of server-wide settings.
type Config struct {
	ConfigRoot string
	SocketDir  string
	Foreground bool
	LogLevel   string
}

// ResolveConfigRoot implements spec §6: "$WINEPREFIX or $HOME/.wine is
// the configuration root (must be an absolute path; must be owned by
// the real uid on systems with getuid)."
func ResolveConfigRoot() (string, error) {
	root := os.Getenv("WINEPREFIX")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "resolve $HOME for default config root")
		}
		root = filepath.Join(home, ".wine")
	}
	if !filepath.IsAbs(root) {
		return "", errors.Errorf("configuration root %q must be an absolute path", root)
	}

	info, err := os.Stat(root)
	if err != nil {
		return "", errors.Wrap(err, "stat configuration root")
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		if st.Uid != uint32(os.Getuid()) {
			return "", errors.Errorf("configuration root %q is not owned by the real uid", root)
		}
	}
	return root, nil
}

// SocketDir implements spec §6: "The server socket lives in
// /tmp/.wine-<uid>/server-<dev:hex>-<ino:hex>/, where <dev,ino>
// identify the configuration root's directory."
func SocketDir(configRoot string) (string, error) {
	info, err := os.Stat(configRoot)
	if err != nil {
		return "", errors.Wrap(err, "stat configuration root for socket dir")
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", errors.New("cannot determine device/inode of configuration root on this platform")
	}
	return fmt.Sprintf("/tmp/.wine-%d/server-%x-%x", os.Getuid(), st.Dev, st.Ino), nil
}

// AndroidSocketDir implements spec §6 "Android variant: $CONFIG/.wineserver/".
func AndroidSocketDir(androidConfigDir string) string {
	return filepath.Join(androidConfigDir, ".wineserver")
}

// IsNoExec implements spec §6's detection method: "falling back to
// the config dir if the former is mounted noexec (detected by
// attempting to map a scratch file PROT_READ|PROT_EXEC)". mountinfo
// is consulted first as the cheap path; the mmap probe is the
// authoritative fallback when mount flags can't be read.
func IsNoExec(dir string) bool {
	if noexec, ok := noExecFromMountinfo(dir); ok {
		return noexec
	}
	return noExecFromMmapProbe(dir)
}

func noExecFromMountinfo(dir string) (noexec bool, ok bool) {
	mounts, err := mountinfo.GetMounts(mountinfo.ParentsFilter(dir))
	if err != nil || len(mounts) == 0 {
		return false, false
	}
	best := mounts[0]
	for _, m := range mounts {
		if len(m.Mountpoint) > len(best.Mountpoint) {
			best = m
		}
	}
	for _, opt := range splitOpts(best.VFSOptions) {
		if opt == "noexec" {
			return true, true
		}
	}
	return false, true
}

func splitOpts(opts string) []string {
	var out []string
	cur := ""
	for _, r := range opts {
		if r == ',' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// noExecFromMmapProbe writes a scratch file into dir and attempts a
// PROT_READ|PROT_EXEC mapping, per spec §6's fallback detection.
func noExecFromMmapProbe(dir string) bool {
	f, err := os.CreateTemp(dir, "kserver-noexec-probe-*")
	if err != nil {
		return false
	}
	path := f.Name()
	defer os.Remove(path)
	defer f.Close()

	if err := f.Truncate(4096); err != nil {
		return false
	}

	data, err := unix.Mmap(int(f.Fd()), 0, 4096, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE)
	if err != nil {
		return true
	}
	_ = unix.Munmap(data)
	return false
}

// BindFlags wires the cobra/viper flag set the server binary exposes,
// the generalization of gcsfuse's cmd/root.go viper binding for this
// server's (much smaller) flag surface.
func BindFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("foreground", false, "run in the foreground instead of daemonizing")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")

	_ = viper.BindPFlag("foreground", cmd.Flags().Lookup("foreground"))
	_ = viper.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))
}

// FromViper builds a Config from whatever BindFlags bound plus the
// resolved config root, per spec §6.
func FromViper() (*Config, error) {
	root, err := ResolveConfigRoot()
	if err != nil {
		return nil, err
	}
	sockDir, err := SocketDir(root)
	if err != nil {
		return nil, err
	}
	return &Config{
		ConfigRoot: root,
		SocketDir:  sockDir,
		Foreground: viper.GetBool("foreground"),
		LogLevel:   viper.GetString("log_level"),
	}, nil
}
