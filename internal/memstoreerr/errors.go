// Package memstoreerr defines the shared error taxonomy used across the
// memory store: a tagged error kind plus an optional recovery hint, instead
// of one exception hierarchy per package.
package memstoreerr

import "fmt"

// Kind classifies an error into one of the categories from the error
// handling design. Callers branch on Kind, not on error message text.
type Kind string

const (
	KindValidation Kind = "validation"
	KindStorage    Kind = "storage"
	KindParse      Kind = "parse"
	KindIndex      Kind = "index"
	KindEmbedding  Kind = "embedding"
	KindSecrets    Kind = "secrets"
	KindCapture    Kind = "capture"
	KindRecall     Kind = "recall"
	KindLifecycle  Kind = "lifecycle"
)

// Error is the shared error type. Every package-level error constructor in
// this module returns one of these rather than an ad hoc struct.
type Error struct {
	Kind         Kind
	Op           string // operation that failed, e.g. "capture", "vcsnotes.append_note"
	Message      string
	RecoveryHint string // e.g. "initialize repository", "run repair"
	Err          error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error wrapping an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// WithHint returns a copy of e with RecoveryHint set.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.RecoveryHint = hint
	return &cp
}

// Is reports whether err is a *Error of the given kind. Supports
// errors.Is-style matching via manual kind comparison since Kind isn't a
// sentinel value.
func Is(err error, kind Kind) bool {
	var me *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			me = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return me != nil && me.Kind == kind
}

// Sentinel errors for conditions callers frequently need to branch on by
// identity rather than by Kind (e.g. "no commits yet" vs "some other
// storage error").
var (
	ErrNoCommits         = New(KindStorage, "vcsnotes", "repository has no commits")
	ErrContentBlocked    = New(KindSecrets, "secrets", "content blocked by policy")
	ErrInvalidTransition = New(KindLifecycle, "capture.transition", "status transition not permitted")
)
