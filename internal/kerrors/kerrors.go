// Package kerrors defines the typed error taxonomy shared by every
// component so callers can branch on Kind without parsing strings.
package kerrors

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure, mirroring the error table in
// the design notes (§7).
type Kind string

const (
	NotFound                     Kind = "NotFound"
	InvalidOp                    Kind = "InvalidOp"
	InvalidSignature             Kind = "InvalidSignature"
	InvalidKey                   Kind = "InvalidKey"
	NonceMismatch                Kind = "NonceMismatch"
	InsufficientBalance          Kind = "InsufficientBalance"
	StateConflict                Kind = "StateConflict"
	Duplicate                    Kind = "Duplicate"
	InsufficientGraphConnectivity Kind = "InsufficientGraphConnectivity"
	UpstreamParse                Kind = "UpstreamParse"
	Internal                     Kind = "Internal"
)

// Error is the structured form surfaced to callers: a Kind plus a
// human-readable reason, with the underlying cause preserved for %w.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind, preserving cause for errors.Is/As.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether the first *Error found in err's chain has the given
// Kind; the Kinds of *Errors further down that chain are not checked.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
