// Copyright 2025 Certen Protocol
//
// Package errors provides the error taxonomy shared by every layer of the
// vApp engine. Each error carries a Kind that callers branch on: the
// orchestrator retries conflicts, surfaces input errors verbatim, and
// fail-stops on integrity violations.

package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	// KindInput marks a caller fault (duplicate nullifier, non-positive
	// value, malformed amount). Non-retriable, surfaced verbatim.
	KindInput Kind = "input"

	// KindConflict marks a lock or serialization failure in the store.
	// Retriable with backoff.
	KindConflict Kind = "conflict"

	// KindNotFound marks a proof request for an absent value, or a
	// non-membership request for a present one. Non-retriable.
	KindNotFound Kind = "not_found"

	// KindIntegrity marks a chain-validation or root mismatch. Fatal:
	// the engine must stop mutating and surface loudly.
	KindIntegrity Kind = "integrity"

	// KindExternal marks an unreachable prover or settlement endpoint.
	// The batch stays pending; retried by the supervisor.
	KindExternal Kind = "external"

	// KindInternal marks any other failure. Aborts the current
	// transaction and is surfaced.
	KindInternal Kind = "internal"
)

// Error is a kinded error wrapping an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and the failing operation.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef wraps a formatted message with a kind and operation.
func Ef(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, walking the wrap chain. Unkinded errors
// report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetriable reports whether err should be retried with backoff.
func IsRetriable(err error) bool {
	return IsKind(err, KindConflict)
}

// New, Is, As and Unwrap re-export the standard library so callers need a
// single errors import.
func New(text string) error { return errors.New(text) }

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func Unwrap(err error) error { return errors.Unwrap(err) }
