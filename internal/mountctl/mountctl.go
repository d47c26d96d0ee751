// Package mountctl performs the basic filesystem mounts, caller-requested
// bind mounts, and the final chroot that turn a bare merged root into a
// runnable container filesystem. Grounded on the reference implementation's
// MountManager (original_source/rootbox-rs/src/mount.rs) and the teacher's
// direct syscall.Mount usage (lib/system/init/mount.go's mountEssentials).
package mountctl

import (
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	"github.com/rootbox-run/rootbox/internal/config"
	"github.com/rootbox-run/rootbox/internal/rberrors"
)

// SetupBasicMounts mounts proc, sys, dev, and tmp under newRoot as toggled
// by cfg, matching setup_basic_mounts: proc is a plain "proc" mount; sys and
// dev are recursive bind mounts of the host's own /sys and /dev; tmp is a
// fresh tmpfs. Must run after newRoot already exists and after the mount
// namespace is active, but before chroot.
func SetupBasicMounts(newRoot string, m config.Mounts) error {
	if m.MountProc {
		target := filepath.Join(newRoot, "proc")
		if err := os.MkdirAll(target, 0o755); err != nil {
			return rberrors.Mount("mkdir "+target, err)
		}
		if err := unix.Mount("proc", target, "proc", 0, ""); err != nil {
			return rberrors.Mount("mount proc at "+target, err)
		}
	}

	if m.MountSys {
		target := filepath.Join(newRoot, "sys")
		flags := uintptr(unix.MS_BIND | unix.MS_REC)
		if err := bindHost("/sys", target, flags); err != nil {
			return err
		}
		if m.SysReadonly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REC|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return rberrors.Mount("remount sys readonly at "+target, err)
			}
		}
	}

	if m.MountDev {
		target := filepath.Join(newRoot, "dev")
		if err := bindHost("/dev", target, unix.MS_BIND|unix.MS_REC); err != nil {
			return err
		}
	}

	if m.MountTmp {
		target := filepath.Join(newRoot, "tmp")
		if err := os.MkdirAll(target, 0o1777); err != nil {
			return rberrors.Mount("mkdir "+target, err)
		}
		if err := unix.Mount("tmpfs", target, "tmpfs", 0, ""); err != nil {
			return rberrors.Mount("mount tmpfs at "+target, err)
		}
	}

	return nil
}

func bindHost(source, target string, flags uintptr) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return rberrors.Mount("mkdir "+target, err)
	}
	if err := unix.Mount(source, target, "", flags, ""); err != nil {
		return rberrors.Mount("bind mount "+source+" at "+target, err)
	}
	return nil
}

// ApplyBindMounts resolves and performs each caller-requested bind mount
// under newRoot. Destinations are securely joined so a crafted destination
// (e.g. containing "../") cannot escape newRoot — the same protection the
// teacher applies to archive extraction in lib/volumes/archive.go.
func ApplyBindMounts(newRoot string, mounts []config.BindMount) error {
	for _, bm := range mounts {
		rel := strings.TrimPrefix(bm.Destination, "/")
		dest, err := securejoin.SecureJoin(newRoot, rel)
		if err != nil {
			return rberrors.Path("resolve bind destination "+bm.Destination, err)
		}

		if err := os.MkdirAll(dest, 0o755); err != nil {
			return rberrors.Mount("mkdir "+dest, err)
		}

		flags := uintptr(unix.MS_BIND)
		if bm.Recursive {
			flags |= unix.MS_REC
		}
		if err := unix.Mount(bm.Source, dest, "", flags, ""); err != nil {
			return rberrors.Mount("bind mount "+bm.Source+" at "+dest, err)
		}

		if bm.Readonly {
			remountFlags := unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY
			if bm.Recursive {
				remountFlags |= unix.MS_REC
			}
			if err := unix.Mount("", dest, "", uintptr(remountFlags), ""); err != nil {
				return rberrors.Mount("remount readonly "+dest, err)
			}
		}
	}
	return nil
}

// Chroot changes root to newRoot and chdirs into it, matching the reference
// implementation's chroot() — a plain chroot(2) plus chdir("/"), with no
// pivot_root, since the old root is never needed again inside this process
// (it exits into the contained command immediately after).
func Chroot(newRoot string) error {
	if err := unix.Chroot(newRoot); err != nil {
		return rberrors.Chroot("chroot to "+newRoot, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return rberrors.Chroot("chdir / after chroot", err)
	}
	return nil
}
