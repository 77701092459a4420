// Package apperr defines the error taxonomy shared by the HTTP layer and the
// saga participants.  Errors are marked with a Kind so callers can tell a
// seat conflict from a missing seat or an unreachable dependency without
// string matching, while the original cause and stack stay attached.
package apperr

import (
	"github.com/cockroachdb/errors"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	Validation   Kind = "validation"
	Unauthorized Kind = "unauthorized"
	Forbidden    Kind = "forbidden"
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	Dependency   Kind = "dependency"
	Internal     Kind = "internal"
)

// markers are the reference errors used with errors.Mark so that errors.Is
// keeps working across wrapping and network encoding.
var markers = map[Kind]error{
	Validation:   errors.New("validation error"),
	Unauthorized: errors.New("unauthorized"),
	Forbidden:    errors.New("forbidden"),
	NotFound:     errors.New("not found"),
	Conflict:     errors.New("conflict"),
	Dependency:   errors.New("dependency error"),
	Internal:     errors.New("internal error"),
}

// Error carries a machine code next to the human message.  Code becomes the
// "error" field of HTTP error bodies, e.g. "seat_conflict".
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Detail  any
}

func (e *Error) Error() string { return e.Message }

// New builds a marked error of the given kind.
func New(kind Kind, code, msg string) error {
	return errors.Mark(errors.WithStackDepth(&Error{Kind: kind, Code: code, Message: msg}, 1), markers[kind])
}

// WithDetail builds a marked error that carries extra data for the response
// body (for example the list of conflicting seats).
func WithDetail(kind Kind, code, msg string, detail any) error {
	return errors.Mark(errors.WithStackDepth(&Error{Kind: kind, Code: code, Message: msg, Detail: detail}, 1), markers[kind])
}

// Wrap annotates err and marks it with kind.  A nil err stays nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.WrapWithDepth(1, err, msg), markers[kind])
}

// Is reports whether err was marked with kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	m, ok := markers[kind]
	return ok && errors.Is(err, m)
}

// KindOf resolves the kind of err, defaulting to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{Validation, Unauthorized, Forbidden, NotFound, Conflict, Dependency} {
		if Is(err, k) {
			return k
		}
	}
	return Internal
}

// Details returns the code, message and detail to show a caller.  Internal
// errors never leak their message.
func Details(err error) (code, msg string, detail any) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Message, e.Detail
	}
	kind := KindOf(err)
	if kind == Internal {
		return "internal_error", "internal server error", nil
	}
	return string(kind), err.Error(), nil
}
