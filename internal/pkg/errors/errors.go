package errors

import (
	"context"
	"errors"
)

// Kinds. Every error that leaves the core wraps exactly one of these.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrEmbeddingFailed   = errors.New("embedding failed")
	ErrStorageFailed     = errors.New("storage failed")
	ErrRetrievalFailed   = errors.New("retrieval failed")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrGenerationTimeout = errors.New("generation timeout")
)

var kinds = []error{
	ErrInvalidArgument,
	ErrResourceExhausted,
	ErrEmbeddingFailed,
	ErrStorageFailed,
	ErrRetrievalFailed,
	ErrGenerationFailed,
	ErrGenerationTimeout,
}

// Error carries a kind, a caller-safe message and the underlying cause.
// Error() includes the cause for logs; Message() is what may be shown to a client.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err == nil {
		return msg
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an error of the given kind without a cause.
func New(kind error, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags err with kind. An err that already carries a kind is returned unchanged,
// so the innermost classification wins.
func Wrap(kind error, msg string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind carried by err, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Message returns a client-safe text for err: the kind message, never the cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	if k := KindOf(err); k != nil {
		return k.Error()
	}
	return "internal error"
}

// Retryable reports whether a caller may retry the failed operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case nil, ErrInvalidArgument:
		return false
	}
	return true
}

// IsDeadline reports whether err was caused by an expired deadline.
func IsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
