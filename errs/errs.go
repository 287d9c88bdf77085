// Package errs defines the error taxonomy shared across the blob image
// core, modeled on the teacher's plain wrapped-error style but with a
// typed Kind so callers (fsck, the CLI) can classify failures instead of
// string-matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	KindInvalidArgs Kind = iota
	KindNoSpace
	KindIoError
	KindNotFound
	KindAlreadyExists
	KindIntegrity
	KindIllegalState
	KindFormatError
	KindUnsupported
	KindTooFragmented
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgs:
		return "invalid_args"
	case KindNoSpace:
		return "no_space"
	case KindIoError:
		return "io_error"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindIntegrity:
		return "integrity"
	case KindIllegalState:
		return "illegal_state"
	case KindFormatError:
		return "format_error"
	case KindUnsupported:
		return "unsupported"
	case KindTooFragmented:
		return "too_fragmented"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with an underlying message/cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying an underlying cause.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrAlreadyExistsNoop is a sentinel matched by Is(err, KindAlreadyExists)
// naming the dedupe case; add_blob itself returns nil, not this error,
// when the digest is already present (§7).
var ErrAlreadyExistsNoop = New(KindAlreadyExists, "blob already present, ingest is a no-op")
