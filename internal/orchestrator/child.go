package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/rootbox-run/rootbox/internal/mountctl"
	"github.com/rootbox-run/rootbox/internal/nsctl"
	"github.com/rootbox-run/rootbox/internal/overlay"
	"github.com/rootbox-run/rootbox/internal/ptybroker"
	"github.com/rootbox-run/rootbox/internal/rberrors"
)

// childSpecFd is the file descriptor the parent attaches the JSON spec
// pipe to via cmd.ExtraFiles[0]. Fds 0-2 are stdio (already the PTY slave
// by the time this process starts); ExtraFiles begins at 3.
const childSpecFd = 3

// RunChild executes the remaining step order of spec.md §4.3/§4.6 inside
// the re-executed child process: read the spec, enter the mount
// namespace, mount the overlay (if any), mount basics and binds, chroot,
// claim the controlling terminal, lock down privileges, and exec the
// target command. It returns only on error — on success `syscall.Exec`
// replaces this process image and RunChild never returns at all.
func RunChild(logger *slog.Logger) error {
	runtime.LockOSThread()

	specFile := os.NewFile(childSpecFd, "childspec")
	if specFile == nil {
		return rberrors.Process("open child-spec fd", fmt.Errorf("fd %d not available", childSpecFd))
	}
	raw, err := io.ReadAll(specFile)
	if err != nil {
		return rberrors.Process("read child spec", err)
	}
	specFile.Close()

	var spec ChildSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return rberrors.Process("decode child spec", err)
	}

	// PID/UTS/NET namespaces already exist (created by the parent's clone
	// via Cloneflags); finish configuring them before touching mounts,
	// matching the reference implementation's setup_namespaces ordering.
	if spec.UtsEnabled {
		if err := nsctl.ApplyUTS(nsctl.Request{
			UtsNamespace: true,
			Hostname:     defaultString(spec.Hostname, "rootbox"),
			Domainname:   spec.Domainname,
		}, logger); err != nil {
			return err
		}
	}
	if spec.NetworkNamespace {
		if err := nsctl.BringUpLoopback(); err != nil {
			return err
		}
	}

	if spec.MountNamespace {
		if err := nsctl.SetupMountNamespace(spec.MakeRootPrivate); err != nil {
			return err
		}
	}

	if spec.UseOverlay {
		if err := overlay.MountAt(spec.FinalRoot, spec.OverlayOptions); err != nil {
			return err
		}
	}

	if err := mountctl.SetupBasicMounts(spec.FinalRoot, spec.Mounts); err != nil {
		return err
	}
	if err := mountctl.ApplyBindMounts(spec.FinalRoot, spec.Mounts.BindMounts); err != nil {
		return err
	}

	if err := mountctl.Chroot(spec.FinalRoot); err != nil {
		return err
	}

	if err := ptybroker.ClaimControllingTerminal(logger); err != nil {
		return err
	}

	if spec.NoNewPrivs {
		if err := nsctl.SetNoNewPrivs(); err != nil {
			return err
		}
	}

	// LookPath, not a bare Exec of spec.Command: execvp-style PATH search,
	// matching the reference implementation's execvp call. It runs here,
	// after chroot, so it resolves against the contained filesystem.
	resolved, err := exec.LookPath(spec.Command)
	if err != nil {
		return rberrors.Exec("resolve "+spec.Command, err)
	}

	argv := append([]string{spec.Command}, spec.Args...)
	if err := syscall.Exec(resolved, argv, os.Environ()); err != nil {
		return rberrors.Exec("execve "+spec.Command, err)
	}
	// unreachable: a successful Exec never returns.
	return nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
