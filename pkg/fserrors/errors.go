// Package fserrors defines the error taxonomy shared by the mapping,
// allocation, journal, and snapshot engines.
package fserrors

import "fmt"

// Kind classifies a failure so callers can decide whether to retry, abort,
// or propagate without inspecting error text.
type Kind int

const (
	// KindIO is a device read/write failure.
	KindIO Kind = iota
	// KindNoSpace is returned when the allocator is exhausted.
	KindNoSpace
	// KindNoMem is a cache or allocation failure unrelated to disk space.
	KindNoMem
	// KindConflict means a verified chain changed; the caller must retry
	// from scratch.
	KindConflict
	// KindInconsistency means an on-disk invariant was violated.
	// Returning it does not mark the filesystem errored or refuse later
	// writes; no error state is kept anywhere in this module.
	KindInconsistency
	// KindPermission is an illegal access, such as writing the active
	// snapshot directly.
	KindPermission
	// KindAborted means the journal has been aborted; the write will not
	// land.
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindNoSpace:
		return "no space"
	case KindNoMem:
		return "no memory"
	case KindConflict:
		return "conflict"
	case KindInconsistency:
		return "inconsistency"
	case KindPermission:
		return "permission"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every package in this
// module. The Kind field lets callers branch with errors.As without
// parsing messages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same Kind, allowing
// errors.Is(err, fserrors.New(fserrors.KindConflict, "", nil)) style checks
// as well as the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error, wrapping err if non-nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels for errors.Is comparisons against a bare kind, independent of
// operation or wrapped cause.
var (
	ErrIO            = &Error{Kind: KindIO}
	ErrNoSpace       = &Error{Kind: KindNoSpace}
	ErrNoMem         = &Error{Kind: KindNoMem}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrInconsistency = &Error{Kind: KindInconsistency}
	ErrPermission    = &Error{Kind: KindPermission}
	ErrAborted       = &Error{Kind: KindAborted}
)

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return 0, false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
