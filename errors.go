package uniqdoc

import (
	"errors"
	"fmt"
)

var (
	ErrConstraintViolation = errors.New("a uniqueness constraint was violated")
	ErrConflict            = errors.New("constraint entry is owned by another document")
	ErrNotFound            = errors.New("the requested entity could not be found")
	ErrAlreadyExists       = errors.New("resource with same identifying information already exists")
	ErrDB                  = errors.New("an error occured with the DB")
	ErrBadArgument         = errors.New("one or more of the arguments is invalid")
	ErrSessionState        = errors.New("operation not allowed in current session state")
	ErrDecodingFailure     = errors.New("field could not be decoded from storage format")
	ErrClosed              = errors.New("operation called on closed store")
)

// Error is a typed error returned by the uniqdoc packages as their error
// value. It contains both a message explaining what happened as well as one or
// more error values it considers to be its causes. Error is compatible with the
// use of errors.Is() - calling errors.Is on some Error value err along with any
// value of error it holds as one of its causes will return true. This allows for
// easy examination and failure condition checking without needing to resort to
// manual typecasting.
//
// If Error has at least one cause defined, the result of calling Error.Error()
// will be its primary message with the result of calling Error() on its first
// cause appended to it.
//
// Error should not be used directly; call NewError to create one.
type Error struct {
	msg   string
	cause []error
}

// Error returns the message defined for the Error. If a message was defined for
// it when created, that message is returned, concatenated with the result of
// calling Error() on the its first cause if one is defined. If no message or an
// empty message was defined for it when created, but there is at least one
// cause defined for it, the result of calling Error() on the first cause is
// returned. If no message is defined and no causes are defined, returns the
// empty string.
func (e Error) Error() string {
	if e.msg == "" && e.cause != nil {
		return e.cause[0].Error()
	}

	if e.cause != nil {
		return e.msg + ": " + e.cause[0].Error()
	}

	return e.msg
}

// Unwrap returns the causes of Error. The return value will be nil if no causes
// were defined for it.
func (e Error) Unwrap() []error {
	if len(e.cause) > 0 {
		return e.cause
	}
	return nil
}

// Is returns whether Error is itself the given target error. Causes are
// checked by the errors package through Unwrap.
func (e Error) Is(target error) bool {
	errTarget, ok := target.(Error)
	if !ok || e.msg != errTarget.msg || len(e.cause) != len(errTarget.cause) {
		return false
	}

	for i := range e.cause {
		if e.cause[i] != errTarget.cause[i] {
			return false
		}
	}
	return true
}

// NewError creates a new Error with the given message, along with any errors it
// should wrap as its causes. Providing cause errors is not required, but will
// cause it to return true when it is checked against that error via a call to
// errors.Is.
func NewError(msg string, causes ...error) Error {
	err := Error{msg: msg}
	if len(causes) > 0 {
		err.cause = make([]error, len(causes))
		copy(err.cause, causes)
	}
	return err
}

// WrapDBError creates a new Error that wraps the given error as a cause and
// automatically adds ErrDB as another cause. A user-set message may be provided
// if desired with msg, but it may be left as "".
//
// Storage engines call this on every failure that comes out of the underlying
// persistence layer before passing it back up, so callers can tell storage
// failures apart from constraint rejections with errors.Is(err, ErrDB).
//
// msg, if provided, is used to create the msg of the error by calling
// fmt.Sprint. For format capability, use WrapDBErrorf.
func WrapDBError(err error, msg ...any) Error {
	var errMsg string
	if len(msg) > 0 {
		errMsg = fmt.Sprint(msg...)
	}

	return Error{
		msg:   errMsg,
		cause: []error{err, ErrDB},
	}
}

// WrapDBErrorf is WrapDBError with the message built by calling fmt.Sprintf
// on format and a.
func WrapDBErrorf(err error, format string, a ...any) Error {
	return Error{
		msg:   fmt.Sprintf(format, a...),
		cause: []error{err, ErrDB},
	}
}

// UniqueConstraintViolation is returned when a write would give a unique field
// a value that another document already holds. It is always recoverable by the
// caller, either by choosing another value or by treating the write as "already
// exists".
//
// It matches ErrConstraintViolation with errors.Is.
type UniqueConstraintViolation struct {
	Collection string
	Field      string
	Value      any

	// ExistingID is the ID of the document that currently owns Value.
	ExistingID string
}

func (v *UniqueConstraintViolation) Error() string {
	return fmt.Sprintf("%s: %s.%s value %v is already used by document %q", ErrConstraintViolation.Error(), v.Collection, v.Field, v.Value, v.ExistingID)
}

func (v *UniqueConstraintViolation) Unwrap() error {
	return ErrConstraintViolation
}

// ConflictError is returned by an IndexStore when an entry is put for a value
// already owned by a different document. It only shows up outside of the
// normal check path, meaning a race was lost or a caller skipped the check; the
// enforcer converts it into a UniqueConstraintViolation before returning.
//
// It matches ErrConflict with errors.Is.
type ConflictError struct {
	Key        EntryKey
	ExistingID string
}

func (c *ConflictError) Error() string {
	if c.ExistingID == "" {
		return fmt.Sprintf("%s: %s", ErrConflict.Error(), c.Key)
	}
	return fmt.Sprintf("%s: %s is owned by %q", ErrConflict.Error(), c.Key, c.ExistingID)
}

func (c *ConflictError) Unwrap() error {
	return ErrConflict
}
