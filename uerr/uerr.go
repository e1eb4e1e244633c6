// Package uerr defines the error kinds raised by the runtime kernel:
// KernelFailure, EntryFailure, RendezvousFailure, UnhandledException,
// StackOverflow/StackUnderflow/StackNearLimit, IOFailure, and
// WaitingFailure.
//
// None of these are source-language exceptions; they are plain Go errors
// that support errors.Is/errors.As through a Cause chain, following the
// unwrap-chain idiom used throughout this module's NBIO layer.
package uerr

import (
	"errors"
	"fmt"
	"os"
)

// Kind identifies one of the error categories from the error handling
// design.
type Kind int

const (
	// KernelFailure is an internal invariant violation. Always fatal.
	KernelFailure Kind = iota
	// EntryFailure is a call into a destroyed or destructor-in-progress monitor.
	EntryFailure
	// RendezvousFailure means the acceptor and mutex-member did not complete
	// a handshake; raised at the partner.
	RendezvousFailure
	// UnhandledException means a coroutine's main returned abnormally.
	UnhandledException
	// StackOverflow is detected at a context switch in debug builds.
	StackOverflow
	// StackUnderflow is detected at a context switch in debug builds.
	StackUnderflow
	// StackNearLimit is a non-fatal advisory raised when little stack remains.
	StackNearLimit
	// IOFailure wraps an errno from a blocking syscall retried by NBIO.
	IOFailure
	// WaitingFailure means a condition was destroyed while tasks still waited on it.
	WaitingFailure
)

func (k Kind) String() string {
	switch k {
	case KernelFailure:
		return "KernelFailure"
	case EntryFailure:
		return "EntryFailure"
	case RendezvousFailure:
		return "RendezvousFailure"
	case UnhandledException:
		return "UnhandledException"
	case StackOverflow:
		return "StackOverflow"
	case StackUnderflow:
		return "StackUnderflow"
	case StackNearLimit:
		return "StackNearLimit"
	case IOFailure:
		return "IOFailure"
	case WaitingFailure:
		return "WaitingFailure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Fatal reports whether this kind always terminates the process. A stack
// fault detected at a context switch is as unrecoverable as an internal
// invariant violation: the victim coroutine's frames are already past
// their budget, so there is nowhere safe to deliver a recoverable error.
func (k Kind) Fatal() bool {
	return k == KernelFailure || k == StackOverflow || k == StackUnderflow
}

// Error is the concrete error type for every kind above. Victim names the
// task or coroutine the failure is attributed to, for diagnostics.
type Error struct {
	Kind   Kind
	Victim string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.Victim != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (task %s): %v", e.Kind, e.Msg, e.Victim, e.Cause)
		}
		return fmt.Sprintf("%s: %s (task %s)", e.Kind, e.Msg, e.Victim)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the cause chain for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same Kind, so errors.Is(err, New(K,...))
// only needs Kind equality, not identical messages.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, victim, msg string) *Error {
	return &Error{Kind: kind, Victim: victim, Msg: msg}
}

// Wrap constructs an *Error of the given kind with an underlying cause.
func Wrap(kind Kind, victim, msg string, cause error) *Error {
	return &Error{Kind: kind, Victim: victim, Msg: msg, Cause: cause}
}

// sentinels for errors.Is comparisons against a bare kind, e.g.
// errors.Is(err, uerr.ErrEntryFailure).
var (
	ErrKernelFailure      = &Error{Kind: KernelFailure}
	ErrEntryFailure       = &Error{Kind: EntryFailure}
	ErrRendezvousFailure  = &Error{Kind: RendezvousFailure}
	ErrUnhandledException = &Error{Kind: UnhandledException}
	ErrStackOverflow      = &Error{Kind: StackOverflow}
	ErrStackUnderflow     = &Error{Kind: StackUnderflow}
	ErrStackNearLimit     = &Error{Kind: StackNearLimit}
	ErrIOFailure          = &Error{Kind: IOFailure}
	ErrWaitingFailure     = &Error{Kind: WaitingFailure}
)

// AbortFunc is invoked for fatal kinds. The default prints a diagnostic to
// stderr and calls os.Exit(1); package uruntime installs a version that
// routes the diagnostic through the structured logger instead. Kept as a
// plain func(*Error) rather than importing ulog here, so uerr has no
// dependency on the logging facade. Tests override it to observe a fatal
// abort without killing the test binary.
var AbortFunc = func(err *Error) {
	fmt.Fprintln(os.Stderr, "uruntime: fatal:", err.Error())
	os.Exit(1)
}

// Abort runs the installed AbortFunc for an always-fatal kind. Non-fatal
// kinds are returned unchanged so callers can still propagate them as
// ordinary errors.
func Abort(err *Error) error {
	if err.Kind.Fatal() {
		AbortFunc(err)
	}
	return err
}
