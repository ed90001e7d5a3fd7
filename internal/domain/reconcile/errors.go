// Package reconcile turns completed scrape batches into catalog, ownership
// and audit rows, and drives the run lifecycle around them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures for retry decisions and boundary responses.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindTransient  Kind = "transient"
	KindConflict   Kind = "conflict"
	KindPermanent  Kind = "permanent"
	KindDispatch   Kind = "dispatch"
)

// Error is a classified failure from a reconcile operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are treated
// as transient so callers retry rather than lose work.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindTransient
}

// IsRetryable reports whether repeating the whole operation may succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}

// Errors reported by Fetcher implementations.
var (
	// ErrBatchNotReady means the scrape has not finished yet.
	ErrBatchNotReady = errors.New("batch not ready")
	// ErrBatchNotFound means the scrape or its dataset does not exist.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchAborted means the scrape ended without succeeding.
	ErrBatchAborted = errors.New("scrape ended without success")
)

// classifyFetch maps a Fetcher error onto the taxonomy. Errors exposing
// Temporary() false are permanent; everything else unknown is transient.
func classifyFetch(op string, err error) *Error {
	switch {
	case errors.Is(err, ErrBatchNotFound), errors.Is(err, ErrBatchAborted):
		return newError(KindPermanent, op, err)
	case errors.Is(err, ErrBatchNotReady):
		return newError(KindTransient, op, err)
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && !temp.Temporary() {
		return newError(KindPermanent, op, err)
	}
	return newError(KindTransient, op, err)
}
