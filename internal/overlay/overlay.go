// Package overlay composes a merged root from a lower image, optional extra
// read-only layers, and an upper directory (ephemeral or caller-supplied
// persistent), following the same shape as the reference implementation's
// OverlayFsManager (original_source/rootbox-rs/src/mount.rs) and the
// teacher's own setupOverlay (lib/system/init/mount.go).
package overlay

import (
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"

	"github.com/rootbox-run/rootbox/internal/rberrors"
)

// State captures one overlay configuration. Exactly one of PersistUpper /
// ephemeralUpper is non-empty; Work and Merged are always freshly created
// empty scratch directories.
type State struct {
	Image        string
	ExtraLayers  []string
	PersistUpper string

	ephemeralUpper string
	work           string
	merged         string
}

// New captures inputs and allocates the merged/work/ephemeral-upper scratch
// directories. Allocation happens here, in the parent, before fork — a
// failure aborts the whole launch before any namespace change (spec.md §4.2).
func New(image string, extraLayers []string, persistUpper string) (*State, error) {
	s := &State{
		Image:        image,
		ExtraLayers:  append([]string(nil), extraLayers...),
		PersistUpper: persistUpper,
	}

	merged, err := os.MkdirTemp("", "rootbox-merged-")
	if err != nil {
		return nil, rberrors.OverlayFs("create merged scratch dir", err)
	}
	s.merged = merged

	work, err := os.MkdirTemp("", "rootbox-work-")
	if err != nil {
		os.RemoveAll(merged)
		return nil, rberrors.OverlayFs("create work scratch dir", err)
	}
	s.work = work

	if persistUpper == "" {
		upper, err := os.MkdirTemp("", "rootbox-upper-")
		if err != nil {
			os.RemoveAll(merged)
			os.RemoveAll(work)
			return nil, rberrors.OverlayFs("create ephemeral upper scratch dir", err)
		}
		s.ephemeralUpper = upper
	} else if err := os.MkdirAll(persistUpper, 0o755); err != nil {
		os.RemoveAll(merged)
		os.RemoveAll(work)
		return nil, rberrors.OverlayFs("create persist directory", err)
	}

	return s, nil
}

// MergedRoot returns the directory that must become the container's root.
func (s *State) MergedRoot() string { return s.merged }

// upperPath returns whichever upper directory is active.
func (s *State) upperPath() string {
	if s.PersistUpper != "" {
		return s.PersistUpper
	}
	return s.ephemeralUpper
}

// lowerDirOption builds the kernel's lowerdir= option string. The kernel
// option is top-first (leftmost wins), and the final list is
// reverse(image :: extras) — the image becomes the bottom-most layer and the
// extras stack above it in the order given, so the last extra is topmost
// (spec.md §4.2, §8 scenario 3).
func (s *State) lowerDirOption() string {
	chain := append([]string{s.Image}, s.ExtraLayers...)
	reversed := lo.Reverse(chain)
	return strings.Join(reversed, ":")
}

// LowerDirOption exposes the computed option string for tests that inspect
// it without performing a real mount (spec.md §8 scenario 3's note: "test
// harness inspects the computed option string, not the live mount").
func (s *State) LowerDirOption() string { return s.lowerDirOption() }

// MountOptions builds the overlay mount's options string
// ("lowerdir=...,upperdir=...,workdir=..."). Exposed separately from MountAt
// so the orchestrator can compute it in the parent (where the State lives)
// and hand the plain string to the re-exec'd child, which mounts it without
// needing to reconstruct a State of its own.
func (s *State) MountOptions() string {
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		s.lowerDirOption(), s.upperPath(), s.work)
}

// MountAt mounts a previously computed options string at root — used by
// the re-exec'd child, which received the string over the child-spec pipe
// rather than holding a live State (SPEC_FULL.md §E).
func MountAt(root, options string) error {
	if err := unix.Mount("overlay", root, "overlay", 0, options); err != nil {
		return rberrors.OverlayFs("mount overlay at "+root, err)
	}
	return nil
}

// Cleanup removes the ephemeral upper (if any), the work scratch, and the
// merged scratch, in the parent, after the child exits. It does not rely on
// explicitly unmounting the overlay — that mount disappears with the
// child's mount namespace — but it does attempt a best-effort lazy detach
// first (SPEC_FULL.md §C.1), in case the merged directory is still visible
// outside that namespace. Persistent upper is never removed.
func (s *State) Cleanup() error {
	// Best-effort: EINVAL just means the mount was never visible in this
	// process's namespace (the common case). Any other outcome is ignored
	// too — directory removal below is what actually matters.
	_ = unix.Unmount(s.merged, unix.MNT_DETACH)

	var firstErr error
	if s.ephemeralUpper != "" {
		if err := os.RemoveAll(s.ephemeralUpper); err != nil && firstErr == nil {
			firstErr = rberrors.OverlayFs("remove ephemeral upper", err)
		}
	}
	if err := os.RemoveAll(s.work); err != nil && firstErr == nil {
		firstErr = rberrors.OverlayFs("remove work dir", err)
	}
	if err := os.RemoveAll(s.merged); err != nil && firstErr == nil {
		firstErr = rberrors.OverlayFs("remove merged dir", err)
	}
	return firstErr
}
