package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/rootbox-run/rootbox/internal/config"
	"github.com/rootbox-run/rootbox/internal/nsctl"
	"github.com/rootbox-run/rootbox/internal/overlay"
	"github.com/rootbox-run/rootbox/internal/ptybroker"
	"github.com/rootbox-run/rootbox/internal/rberrors"
)

// Request describes one launch: the resolved config, the root source (a
// bare directory for `enter`, or the bottom image plus extras/persist for
// `overlay`), and the target command.
type Request struct {
	Config config.Config

	RootDir     string
	UseOverlay  bool
	ExtraLayers []string
	Persist     string

	Command string
	Args    []string
}

// childArg is what this binary looks for in os.Args[1] to recognize the
// re-executed child invocation.
const childArg = "__child"

// IsChildReexec reports whether the current process was launched as the
// re-exec'd child (os.Args[1] == "__child"), i.e. whether main should call
// RunChild instead of dispatching CLI subcommands.
func IsChildReexec() bool {
	return len(os.Args) >= 2 && os.Args[1] == childArg
}

// Launch runs the full parent-side sequence of spec.md §4.6: validate
// paths, build the overlay (if requested), allocate the PTY, set the
// parent's own death signal, re-exec this binary as the child with the
// right Cloneflags/UidMappings/GidMappings, proxy the terminal, wait for
// the child, restore the terminal, and clean up overlay scratch. Returns
// the contained process's exit code (SPEC_FULL.md §D resolves the open
// question of whether the outer code mirrors it: yes).
func Launch(logger *slog.Logger, req Request) (int, error) {
	if _, err := os.Stat(req.RootDir); err != nil {
		return 1, rberrors.Path("root directory "+req.RootDir, err)
	}
	for _, layer := range req.ExtraLayers {
		if _, err := os.Stat(layer); err != nil {
			return 1, rberrors.Path("extra layer "+layer, err)
		}
	}

	var composer *overlay.State
	finalRoot := req.RootDir
	spec := ChildSpec{
		MountNamespace:   req.Config.Features.MountNamespace,
		Mounts:           req.Config.Mounts,
		MakeRootPrivate:  req.Config.Mounts.MakeRootPrivate,
		Hostname:         req.Config.Namespaces.Hostname,
		Domainname:       req.Config.Namespaces.Domainname,
		UtsEnabled:       req.Config.Features.UtsNamespace,
		NetworkNamespace: req.Config.Features.NetworkNamespace,
		NoNewPrivs:       req.Config.Features.NoNewPrivs,
		Command:          req.Command,
		Args:             req.Args,
	}

	if req.UseOverlay && req.Config.Features.Overlayfs {
		var err error
		composer, err = overlay.New(req.RootDir, req.ExtraLayers, req.Persist)
		if err != nil {
			return 1, err
		}
		finalRoot = composer.MergedRoot()
		spec.UseOverlay = true
		spec.OverlayOptions = composer.MountOptions()
	}
	spec.FinalRoot = finalRoot

	if !req.Config.Features.PtyEnabled {
		cleanup(composer, logger)
		return 1, rberrors.Pty("allocate pty", fmt.Errorf("pty_enabled is false"))
	}
	broker, err := ptybroker.Open(req.Config.Pty)
	if err != nil {
		cleanup(composer, logger)
		return 1, err
	}

	if req.Config.Features.ParentDeathSignal {
		if err := nsctl.SetParentDeathSignal(); err != nil {
			logger.Warn("parent death signal setup failed", "error", err)
		}
	}

	payload, err := json.Marshal(spec)
	if err != nil {
		broker.Close()
		cleanup(composer, logger)
		return 1, rberrors.Process("marshal child spec", err)
	}

	specRead, specWrite, err := os.Pipe()
	if err != nil {
		broker.Close()
		cleanup(composer, logger)
		return 1, rberrors.Process("create child-spec pipe", err)
	}

	nsReq := nsctl.FromConfig(req.Config)

	cmd := &exec.Cmd{
		Path: "/proc/self/exe",
		Args: []string{os.Args[0], childArg},
	}
	cmd.Stdin = broker.Slave
	cmd.Stdout = broker.Slave
	cmd.Stderr = broker.Slave
	cmd.ExtraFiles = []*os.File{specRead}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: nsReq.CloneFlags(),
	}
	if req.Config.Features.UserNamespace && !nsReq.AlreadyRoot {
		uidMap, gidMap := nsctl.IDMappings()
		cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{uidMap}
		cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{gidMap}
		cmd.SysProcAttr.GidMappingsEnableSetgroups = false
	}

	if err := cmd.Start(); err != nil {
		specRead.Close()
		specWrite.Close()
		broker.Close()
		cleanup(composer, logger)
		return 1, rberrors.Process("start child process", err)
	}
	specRead.Close()

	if _, err := specWrite.Write(payload); err != nil {
		logger.Warn("failed writing child spec", "error", err)
	}
	specWrite.Close()

	// Parent's own copy of the slave must be closed now: the kernel only
	// raises EIO to master-side readers once every slave reference is
	// gone, and cmd.Start duplicated one into the child.
	broker.Slave.Close()
	broker.Slave = nil

	if err := broker.MakeHostRaw(); err != nil {
		logger.Warn("failed to set host terminal raw", "error", err)
	}

	relayErr := broker.Relay()
	if relayErr != nil {
		logger.Warn("pty relay ended with error", "error", relayErr)
	}

	waitErr := cmd.Wait()

	if err := broker.RestoreHost(); err != nil {
		logger.Warn("failed to restore host terminal", "error", err)
	}
	broker.Close()
	cleanup(composer, logger)

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(waitErr, &exitErr); ok {
			exitCode = exitCodeOf(exitErr)
		} else {
			return 1, rberrors.Process("wait for child", waitErr)
		}
	}
	return exitCode, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// exitCodeOf mirrors the contained process's exit status (SPEC_FULL.md §D
// open question 2): a signal death maps to 128+signal, matching the usual
// POSIX shell convention, since ExitCode() alone reports -1 in that case.
func exitCodeOf(exitErr *exec.ExitError) int {
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

func cleanup(composer *overlay.State, logger *slog.Logger) {
	if composer == nil {
		return
	}
	if err := composer.Cleanup(); err != nil {
		logger.Warn("overlay cleanup failed", "error", err)
	}
}
