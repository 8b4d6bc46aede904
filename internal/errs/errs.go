// Package errs defines the error taxonomy shared by the game engine,
// the settlement ledger and the external data gateway. Every failure an
// operation can return is one of these kinds, so callers (and the HTTP
// layer) can branch on the kind rather than on error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind int

const (
	// KindValidation marks malformed caller input. Never retried.
	KindValidation Kind = iota + 1
	// KindInvalidState marks an operation that is not valid for the
	// current state of the target row, including lost optimistic races.
	KindInvalidState
	// KindDuplicate marks a uniqueness violation.
	KindDuplicate
	// KindUnauthorized marks a caller outside the administrative allow-list.
	KindUnauthorized
	// KindUpstream marks an external dependency failure after the retry
	// budget is exhausted. Callers may retry later.
	KindUpstream
	// KindNoParticipants marks result computation on a round without guesses.
	KindNoParticipants
	// KindNotFound marks a missing row.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvalidState:
		return "invalid_state"
	case KindDuplicate:
		return "duplicate"
	case KindUnauthorized:
		return "unauthorized"
	case KindUpstream:
		return "upstream_unavailable"
	case KindNoParticipants:
		return "no_participants"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error carries a kind, a human-readable message and an optional cause.
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

func Validation(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidState, Msg: fmt.Sprintf(format, args...)}
}

func Duplicate(format string, args ...interface{}) error {
	return &Error{Kind: KindDuplicate, Msg: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...interface{}) error {
	return &Error{Kind: KindUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

// Upstream wraps the last underlying error from an exhausted retry sequence.
func Upstream(err error, format string, args ...interface{}) error {
	return &Error{Kind: KindUpstream, Msg: fmt.Sprintf(format, args...), Err: err}
}

func NoParticipants(format string, args ...interface{}) error {
	return &Error{Kind: KindNoParticipants, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or 0 if err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err is an engine error of the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

func IsValidation(err error) bool     { return Is(err, KindValidation) }
func IsInvalidState(err error) bool   { return Is(err, KindInvalidState) }
func IsDuplicate(err error) bool      { return Is(err, KindDuplicate) }
func IsUnauthorized(err error) bool   { return Is(err, KindUnauthorized) }
func IsUpstream(err error) bool       { return Is(err, KindUpstream) }
func IsNoParticipants(err error) bool { return Is(err, KindNoParticipants) }
func IsNotFound(err error) bool       { return Is(err, KindNotFound) }
