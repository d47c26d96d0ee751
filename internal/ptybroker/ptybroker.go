// Package ptybroker manages the host-side pseudo-terminal pair for an
// interactive launch: allocating the pair, putting the host's own stdin
// into raw mode for the duration, and relaying bytes between the host
// terminal and the PTY master until the contained process exits.
// Grounded on the reference implementation's PtyManager
// (original_source/rootbox-rs/src/pty.rs) and the teacher's raw-mode usage
// in cmd/exec/main.go.
package ptybroker

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/rootbox-run/rootbox/internal/config"
	"github.com/rootbox-run/rootbox/internal/rberrors"
)

// Broker owns one allocated PTY pair and the saved host terminal state.
type Broker struct {
	Master *os.File
	Slave  *os.File

	rawState *term.State
	stdinFd  int
}

// Open allocates a PTY pair sized from the host's own stdin when it is a
// terminal, falling back to the config defaults otherwise — matching
// get_window_size's TIOCGWINSZ-or-config-default behavior.
func Open(cfg config.Pty) (*Broker, error) {
	size := &pty.Winsize{
		Rows: cfg.DefaultRows,
		Cols: cfg.DefaultCols,
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
			size = ws
		}
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, rberrors.Pty("open pty pair", err)
	}
	if err := pty.Setsize(master, size); err != nil {
		master.Close()
		slave.Close()
		return nil, rberrors.Pty("set pty size", err)
	}

	return &Broker{Master: master, Slave: slave, stdinFd: int(os.Stdin.Fd())}, nil
}

// MakeHostRaw puts the host's own stdin into raw mode, matching
// set_raw_mode (cfmakeraw). Safe to call when stdin is not a terminal: it
// becomes a no-op since the broker only proxies bytes either way.
func (b *Broker) MakeHostRaw() error {
	if !term.IsTerminal(b.stdinFd) {
		return nil
	}
	state, err := term.MakeRaw(b.stdinFd)
	if err != nil {
		return rberrors.Pty("set host terminal raw", err)
	}
	b.rawState = state
	return nil
}

// RestoreHost restores the host terminal to the state captured by
// MakeHostRaw, matching restore_terminal. Safe to call multiple times.
func (b *Broker) RestoreHost() error {
	if b.rawState == nil {
		return nil
	}
	err := term.Restore(b.stdinFd, b.rawState)
	b.rawState = nil
	if err != nil {
		return rberrors.Pty("restore host terminal", err)
	}
	return nil
}

// ClaimControllingTerminal creates a new session and claims fd 0 (already
// the PTY slave by the time this runs — see SPEC_FULL.md §E, which assigns
// the slave to cmd.Stdin/Stdout/Stderr at process-creation time rather than
// dup2'ing it post-fork) as this session's controlling terminal. Matches
// setup_slave's setsid+TIOCSCTTY half; the dup2-onto-0/1/2 half is instead
// performed by the exec.Cmd that created this process. Must be called from
// inside the re-executed child, after chroot and before NO_NEW_PRIVS and the
// final exec — a controlling terminal can only be claimed by a session leader
// that already exists inside the final namespace/root context.
//
// Claiming the controlling terminal via TIOCSCTTY only hardens a session
// that setsid already made standalone, so per spec.md its failure is
// logged through logger and never aborts the launch.
func ClaimControllingTerminal(logger *slog.Logger) error {
	if _, err := unix.Setsid(); err != nil && !errors.Is(err, unix.EPERM) {
		return rberrors.Pty("setsid", err)
	}
	if err := unix.IoctlSetInt(0, unix.TIOCSCTTY, 0); err != nil {
		logger.Warn("set controlling terminal failed", "error", err)
	}
	return nil
}

// Relay copies bytes between the host's stdin/stdout and the PTY master
// until the master read hits EOF or EIO, matching io_loop_blocking: a
// single blocking unix.Select over stdin and the master fd, waking on
// whichever is ready, with EINTR retried and EIO on the master ending the
// loop cleanly rather than as an error (the kernel raises EIO once the
// slave side has no more open references — i.e. the contained process has
// exited). Must run in the parent, never in the child.
func (b *Broker) Relay() error {
	stdinFd := int(os.Stdin.Fd())
	masterFd := int(b.Master.Fd())
	buf := make([]byte, 4096)

	for {
		var rfds unix.FdSet
		fdSet(&rfds, stdinFd)
		fdSet(&rfds, masterFd)
		nfds := masterFd + 1
		if stdinFd > masterFd {
			nfds = stdinFd + 1
		}

		_, err := unix.Select(nfds, &rfds, nil, nil, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return rberrors.Pty("select on pty/stdin", err)
		}

		if fdIsSet(&rfds, stdinFd) {
			n, rerr := unix.Read(stdinFd, buf)
			if n > 0 {
				if _, werr := b.Master.Write(buf[:n]); werr != nil {
					return rberrors.Pty("write to pty master", werr)
				}
			}
			if rerr != nil && !errors.Is(rerr, unix.EINTR) {
				return nil
			}
			if n == 0 && rerr == nil {
				return nil
			}
		}

		if fdIsSet(&rfds, masterFd) {
			n, rerr := unix.Read(masterFd, buf)
			if n > 0 {
				if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
					return rberrors.Pty("write to host stdout", werr)
				}
			}
			if rerr != nil {
				if errors.Is(rerr, unix.EINTR) {
					continue
				}
				if errors.Is(rerr, unix.EIO) || errors.Is(rerr, io.EOF) {
					return nil
				}
				return rberrors.Pty("read from pty master", rerr)
			}
			if n == 0 {
				return nil
			}
		}
	}
}

// fdSet and fdIsSet manipulate a unix.FdSet's bitmask directly: the type is
// a plain fixed-size array of machine words on Linux, with no Set/IsSet
// methods of its own.
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

// Close releases both pty fds. Matches the reference Drop impl's close()
// call; safe to call more than once.
func (b *Broker) Close() error {
	var firstErr error
	if b.Master != nil {
		if err := b.Master.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.Master = nil
	}
	if b.Slave != nil {
		if err := b.Slave.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.Slave = nil
	}
	if firstErr != nil {
		return rberrors.Pty("close pty pair", firstErr)
	}
	return nil
}
