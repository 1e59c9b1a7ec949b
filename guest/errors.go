package guest

import (
	"errors"
	"strings"
)

// ErrVMExists is returned by Launcher.CreateVM when the process already has
// a VM. Callers fall back to Launcher.CreatedVMs.
var ErrVMExists = errors.New("guest: VM already exists")

// Kind categorizes guest runtime errors.
type Kind string

const (
	KindInvalidArgs   Kind = "invalid_args"
	KindClassNotFound Kind = "class_not_found"
	KindNoSuchMethod  Kind = "no_such_method"
	KindInstantiation Kind = "instantiation"
	KindInvocation    Kind = "invocation"
	KindTypeMismatch  Kind = "type_mismatch"
	KindOutOfBounds   Kind = "out_of_bounds"
	KindDetached      Kind = "detached"
	KindDestroyed     Kind = "destroyed"
	KindAllocation    Kind = "allocation"
)

// Error is the structured error returned by guest runtimes.
type Error struct {
	Op     string
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Errorf is a shorthand for building an *Error.
func Errorf(op string, kind Kind, detail string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Detail: detail, Cause: cause}
}

// IsKind reports whether err is a guest *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Exception is a pending guest-side failure.
type Exception struct {
	Class   string
	Message string
	Cause   error
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Class
	}
	return e.Class + ": " + e.Message
}

func (e *Exception) Unwrap() error {
	return e.Cause
}
