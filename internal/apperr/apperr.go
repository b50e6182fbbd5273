// Package apperr classifies handler failures into the small set of outcomes
// a script can report, each with a fixed HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	BadRequest
	Forbidden
	NotFound
	MethodNotAllowed
	ServerMisconfigured
)

func (k Kind) Status() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad request"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not found"
	case MethodNotAllowed:
		return "method not allowed"
	case ServerMisconfigured:
		return "server misconfigured"
	default:
		return "internal error"
	}
}

// Error carries a user-facing message (Msg) and an optional cause (Err) that
// is only ever logged.
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

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the Kind of err; errors not produced by this package are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Status(err error) int {
	return KindOf(err).Status()
}

// Message is the text safe to show a client. Server-side failures never
// expose their cause.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Msg == "" {
		return genericMessage
	}
	return e.Msg
}

const genericMessage = "An error occurred while processing your request."
