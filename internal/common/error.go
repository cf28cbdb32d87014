package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the stable category surfaced to callers.
type Kind int

const (
	KindSystem Kind = iota
	KindValidation
	KindProvider
	KindConcurrency
	KindCircuit
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindProvider:
		return "provider"
	case KindConcurrency:
		return "concurrency"
	case KindCircuit:
		return "circuit"
	case KindStorage:
		return "storage"
	default:
		return "system"
	}
}

// Error is the single error type returned across the public API of the
// file manager. Provider and Attempts distinguish "never tried" (Attempts == 0)
// from "tried and exhausted".
type Error struct {
	Kind      Kind
	Op        string
	Provider  string
	Attempts  int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Provider != "" {
		msg += fmt.Sprintf(" (provider=%s", e.Provider)
		if e.Attempts > 0 {
			msg += fmt.Sprintf(", attempts=%d", e.Attempts)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error of the given kind.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// StatusCoder is implemented by errors carrying an HTTP-like status code.
type StatusCoder interface {
	StatusCode() int
}

// StatusCode extracts an HTTP-like status code from err, if any error in the
// chain carries one.
func StatusCode(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	return 0, false
}

// KindOf classifies err into the taxonomy. Errors that were never wrapped in
// an *Error are classified by their sentinel or status signature.
func KindOf(err error) Kind {
	if err == nil {
		return KindSystem
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrEmptyFile), errors.Is(err, ErrFileTooLarge),
		errors.Is(err, ErrInvalidPurpose), errors.Is(err, ErrUnknownProvider),
		errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrorNotFound):
		return KindValidation
	case errors.Is(err, ErrLockTimeout), errors.Is(err, ErrLockHeld), errors.Is(err, ErrLockLost):
		return KindConcurrency
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuit
	}
	if _, ok := StatusCode(err); ok {
		return KindProvider
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProvider
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindProvider
	}
	return KindSystem
}
