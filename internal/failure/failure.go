// Package failure defines the error taxonomy shared by the portal automation,
// the session store and the swap orchestrator.
package failure

import (
	"errors"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	Unknown          Kind = ""
	ElementNotFound  Kind = "element_not_found"
	NavigationFailed Kind = "navigation_failed"
	LoginFailed      Kind = "login_failed"
	HandleInitFailed Kind = "handle_init_failed"
	HandleLost       Kind = "handle_lost"
	PortalClosed     Kind = "portal_closed"
	ModuleClash      Kind = "module_clash"
	IndexNotFound    Kind = "index_not_found"
	NoVacancy        Kind = "no_vacancy"
	Timeout          Kind = "timeout"
	NotFound         Kind = "not_found"
	SessionExpired   Kind = "session_expired"
	Conflict         Kind = "conflict"
)

// Error is a classified failure. Msg is the human readable text shown to
// users; Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
		if e.Err != nil {
			b.WriteString(": ")
			b.WriteString(e.Err.Error())
		}
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind when the target carries no
// cause, so sentinel values built with New can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New returns a failure without an underlying cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a user facing message.
func Wrapf(kind Kind, op, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether any *Error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Message returns the user facing message of the outermost *Error that has
// one, falling back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	for cur := err; cur != nil; {
		var e *Error
		if !errors.As(cur, &e) {
			break
		}
		if e.Msg != "" {
			return e.Msg
		}
		cur = e.Err
	}
	return err.Error()
}
