// Package errs defines the error-kind taxonomy shared by the backlog and
// supervisor components: CONFLICT, INVALID_TRANSITION, NOT_FOUND,
// BACKLOG_UNAVAILABLE, and VALIDATION.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy's fixed categories.
type Kind string

const (
	KindConflict           Kind = "CONFLICT"
	KindInvalidTransition  Kind = "INVALID_TRANSITION"
	KindNotFound           Kind = "NOT_FOUND"
	KindBacklogUnavailable Kind = "BACKLOG_UNAVAILABLE"
	KindValidation         Kind = "VALIDATION"
)

// Error wraps an underlying cause with a classification Kind, so callers at
// the HTTP boundary can map it to a status code without string matching.
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

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Conflict reports a lost race: the caller's expected precondition (e.g. a
// lease version, a ticket's current status) no longer held when the store
// tried to apply the write.
func Conflict(message string) *Error { return newErr(KindConflict, message, nil) }

// InvalidTransition reports an attempt to move a ticket or run into a status
// its current status does not allow.
func InvalidTransition(message string) *Error { return newErr(KindInvalidTransition, message, nil) }

// NotFound reports that the referenced ticket, run, or lease does not exist.
func NotFound(message string) *Error { return newErr(KindNotFound, message, nil) }

// Unavailable reports that the backing store could not be reached or
// returned an infrastructure-level failure, as distinct from a domain
// rejection like Conflict or InvalidTransition.
func Unavailable(message string, cause error) *Error {
	return newErr(KindBacklogUnavailable, message, cause)
}

// Validation reports that caller-supplied input failed a structural or
// semantic check before it ever reached the store.
func Validation(message string) *Error { return newErr(KindValidation, message, nil) }

// As extracts the *Error from err, if any wraps it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" if err does not wrap an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}
