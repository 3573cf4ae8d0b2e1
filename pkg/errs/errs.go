// Package errs defines the error kinds shared across navchain packages.
// Every failure surfaced by a step carries one of these kinds so callers can
// branch on it with errors.Is without parsing messages.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindTimeout
	KindNotFound
	KindAssertion
	KindEngine
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindTimeout:
		return "timeout error"
	case KindNotFound:
		return "not found"
	case KindAssertion:
		return "assertion failed"
	case KindEngine:
		return "engine error"
	case KindUnsupported:
		return "unsupported operation"
	default:
		return "unknown error"
	}
}

// kindSentinel lets errors.Is(err, ErrTimeout) match any *Error of that kind.
type kindSentinel struct{ kind Kind }

func (s *kindSentinel) Error() string { return s.kind.String() }

var (
	ErrConfiguration error = &kindSentinel{KindConfiguration}
	ErrTimeout       error = &kindSentinel{KindTimeout}
	ErrNotFound      error = &kindSentinel{KindNotFound}
	ErrAssertion     error = &kindSentinel{KindAssertion}
	ErrEngine        error = &kindSentinel{KindEngine}
	ErrUnsupported   error = &kindSentinel{KindUnsupported}
)

// Error is the concrete error type produced by navchain.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "wait" or "tab.switch".
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := target.(*kindSentinel)
	return ok && s.kind == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a message in front of err.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Timeout reports that what did not complete within bound. The bound is
// rendered in milliseconds.
func Timeout(op, what string, bound time.Duration) error {
	return &Error{
		Kind: KindTimeout,
		Op:   op,
		Msg:  fmt.Sprintf("%s within %dms", what, bound.Milliseconds()),
	}
}

// Unsupported reports that backend does not implement capability.
func Unsupported(backend, capability string) error {
	return &Error{
		Kind: KindUnsupported,
		Msg:  fmt.Sprintf("%s is not supported by the %s backend", capability, backend),
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsAssertion reports whether err is an assertion failure.
func IsAssertion(err error) bool {
	return errors.Is(err, ErrAssertion)
}
