// Package rberrors defines the classified error taxonomy used across the
// rootbox launch pipeline. Every fallible component wraps the underlying
// syscall or I/O error in one of these so the CLI can print a one-line
// classified message and callers can test for a kind with IsKind.
package rberrors

import "fmt"

// kindError is a {what failed}: {why} pair that wraps the underlying cause.
type kindError struct {
	kind string
	op   string
	err  error
}

func (e *kindError) Error() string {
	if e.op == "" {
		return fmt.Sprintf("%s: %v", e.kind, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.op, e.err)
}

func (e *kindError) Unwrap() error { return e.err }

func newKind(kind string) func(op string, err error) error {
	return func(op string, err error) error {
		if err == nil {
			return nil
		}
		return &kindError{kind: kind, op: op, err: err}
	}
}

// Constructors, one per spec taxonomy entry. Each returns nil if err is nil
// so call sites can write `return rberrors.Mount(op, err)` unconditionally.
var (
	Config    = newKind("ConfigError")
	Path      = newKind("PathError")
	Namespace = newKind("NamespaceError")
	Mount     = newKind("MountError")
	OverlayFs = newKind("OverlayFsError")
	Chroot    = newKind("ChrootError")
	Pty       = newKind("PtyError")
	Exec      = newKind("ExecError")
	Process   = newKind("ProcessError")
)

// IsKind reports whether err (or any error it wraps) was constructed with the
// given kind constructor, e.g. rberrors.IsKind(err, "PathError").
func IsKind(err error, kind string) bool {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			if ke.kind == kind {
				return true
			}
			err = ke.err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
