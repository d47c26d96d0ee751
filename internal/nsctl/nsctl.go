// Package nsctl builds the Linux namespace configuration for a launch —
// clone flags and uid/gid mapping for the parent's exec.Cmd, which is the
// only safe place to write them (see SPEC_FULL.md §E) — and applies the
// remaining namespace steps: the parent-death signal (set by the parent on
// itself) and, from inside the re-executed child, UTS identity, the mount
// namespace, NO_NEW_PRIVS, and bringing the loopback interface up in a
// fresh network namespace. Grounded on the reference implementation's namespace.rs and on
// the teacher's netlink usage in lib/network/bridge.go.
package nsctl

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/rootbox-run/rootbox/internal/config"
	"github.com/rootbox-run/rootbox/internal/rberrors"
)

// Request is the subset of Config that determines which clone flags and
// identity settings apply to a launch.
type Request struct {
	UserNamespace    bool
	MountNamespace   bool
	PidNamespace     bool
	UtsNamespace     bool
	NetworkNamespace bool

	// AlreadyRoot reports whether the calling process is already UID 0.
	// spec.md §4.3/§8: user-namespace setup is skipped entirely in that
	// case, not merely left unmapped, since a root caller needs no
	// uid/gid remapping and an unmapped namespace would make getuid()
	// inside report the overflow UID instead of 0.
	AlreadyRoot bool

	Hostname   string
	Domainname string
}

// FromConfig builds a Request from the Features/Namespaces sections of cfg.
func FromConfig(cfg config.Config) Request {
	return Request{
		UserNamespace:    cfg.Features.UserNamespace,
		MountNamespace:   cfg.Features.MountNamespace,
		PidNamespace:     cfg.Features.PidNamespace,
		UtsNamespace:     cfg.Features.UtsNamespace,
		NetworkNamespace: cfg.Features.NetworkNamespace,
		AlreadyRoot:      os.Getuid() == 0,
		Hostname:         cfg.Namespaces.Hostname,
		Domainname:       cfg.Namespaces.Domainname,
	}
}

// CloneFlags computes the syscall.CLONE_NEW* bitmask for this request,
// covering user/PID/UTS/net only. This is passed as SysProcAttr.Cloneflags
// on the re-exec command — the kernel performs clone+execve atomically,
// which is the only way to create these namespaces for a Go child without a
// raw, unsafe fork() (SPEC_FULL.md §E). The mount namespace is deliberately
// excluded: spec.md §4.3's ordering contract creates it only after the
// fork, from inside the child, via SetupMountNamespace — never as
// part of the clone that creates the child itself.
func (r Request) CloneFlags() uintptr {
	var flags uintptr
	if r.UserNamespace && !r.AlreadyRoot {
		flags |= unix.CLONE_NEWUSER
	}
	if r.PidNamespace {
		flags |= unix.CLONE_NEWPID
	}
	if r.UtsNamespace {
		flags |= unix.CLONE_NEWUTS
	}
	if r.NetworkNamespace {
		flags |= unix.CLONE_NEWNET
	}
	return flags
}

// IDMappings returns the uid_map/gid_map entries to attach to the re-exec
// command when a user namespace is requested: "0 <outer-id> 1", mapping
// container root onto the outer unprivileged caller, matching
// setup_uid_map/setup_gid_map in the reference implementation.
func IDMappings() (uid, gid syscall.SysProcIDMap) {
	outerUID := os.Getuid()
	outerGID := os.Getgid()
	return syscall.SysProcIDMap{ContainerID: 0, HostID: outerUID, Size: 1},
		syscall.SysProcIDMap{ContainerID: 0, HostID: outerGID, Size: 1}
}

// ApplyUTS sets hostname/domainname from inside the child, after
// CLONE_NEWUTS has taken effect. A blank value leaves the corresponding
// name untouched. Hostname failure aborts the launch; domainname failure
// is only logged through logger, per spec.md's best-effort list.
func ApplyUTS(r Request, logger *slog.Logger) error {
	if !r.UtsNamespace {
		return nil
	}
	if r.Hostname != "" {
		if err := unix.Sethostname([]byte(r.Hostname)); err != nil {
			return rberrors.Namespace("set hostname", err)
		}
	}
	if r.Domainname != "" {
		if err := unix.Setdomainname([]byte(r.Domainname)); err != nil {
			logger.Warn("set domainname failed", "error", err)
		}
	}
	return nil
}

// SetParentDeathSignal arranges for the calling thread to receive SIGKILL
// if its parent dies first, matching setup_parent_death_signal. The
// orchestrator calls it in the parent on itself, before starting the child,
// so the launcher dies with the shell that invoked it.
func SetParentDeathSignal() error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return rberrors.Namespace("set parent death signal", err)
	}
	return nil
}

// SetNoNewPrivs sets PR_SET_NO_NEW_PRIVS, matching set_no_new_privs. Called
// last, immediately before exec, per spec.md §3's ordering requirement.
func SetNoNewPrivs() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return rberrors.Namespace("set no_new_privs", err)
	}
	return nil
}

// BringUpLoopback brings the "lo" interface up inside a fresh network
// namespace. Without this a CLONE_NEWNET child cannot even reach itself
// over 127.0.0.1. Grounded on the teacher's LinkByName/LinkSetUp sequence
// in lib/network/bridge.go, applied here to the loopback device instead of
// a bridge.
func BringUpLoopback() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return rberrors.Namespace("lookup loopback interface", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return rberrors.Namespace("bring up loopback interface", fmt.Errorf("%s: %w", "lo", err))
	}
	return nil
}

// SetupMountNamespace unshares the mount namespace and, if makeRootPrivate
// is set, recursively marks "/" private so no mount or unmount performed
// afterward propagates back to the host. Matches setup_mount_namespace.
// Must run in the child, after fork — spec.md §4.3 places the mount
// namespace strictly after the fork step, unlike user/PID/UTS/net, which
// are folded into the clone that performs the fork itself.
func SetupMountNamespace(makeRootPrivate bool) error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return rberrors.Namespace("unshare mount namespace", err)
	}
	if !makeRootPrivate {
		return nil
	}
	if err := unix.Mount("none", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return rberrors.Mount("make / private", err)
	}
	return nil
}
