// Package apperr defines the error taxonomy shared by all services: a
// failure is malformed input, a definitive business rejection, or a
// transient store problem. Nothing else escapes a service boundary.
package apperr

import "errors"

type Kind int

const (
	// KindValidation marks malformed input; never retried.
	KindValidation Kind = iota + 1
	// KindConflict marks a definitive business rejection (already_bound,
	// already_done, device_limit_exceeded, ...). A unique-constraint clash
	// resolved at write time is reported as a conflict, not a failure.
	KindConflict
	// KindTransient marks a timeout or connectivity failure; callers may
	// retry a bounded number of times before surfacing it.
	KindTransient
)

// Error carries a machine-readable reason plus an optional actionable
// suggestion for the user-facing layer.
type Error struct {
	Kind       Kind
	Reason     string
	Suggestion string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(reason string) *Error {
	return &Error{Kind: KindValidation, Reason: reason}
}

func Conflict(reason string) *Error {
	return &Error{Kind: KindConflict, Reason: reason}
}

func ConflictWithSuggestion(reason, suggestion string) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Suggestion: suggestion}
}

func Transient(reason string, err error) *Error {
	return &Error{Kind: KindTransient, Reason: reason, Err: err}
}

// As extracts an *Error from err, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func IsKind(err error, k Kind) bool {
	e := As(err)
	return e != nil && e.Kind == k
}

func IsConflict(err error) bool   { return IsKind(err, KindConflict) }
func IsValidation(err error) bool { return IsKind(err, KindValidation) }
func IsTransient(err error) bool  { return IsKind(err, KindTransient) }

// Reason returns the machine-readable reason, or "" for foreign errors.
func Reason(err error) string {
	if e := As(err); e != nil {
		return e.Reason
	}
	return ""
}
