package store

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category classifies store failures for retry policy decisions.
type Category int

const (
	// CategoryTransient errors are safe to retry with backoff.
	CategoryTransient Category = iota
	// CategoryPermanent errors must not be retried.
	CategoryPermanent
	// CategoryNotFound marks an absent key; absence is a valid state,
	// not a failure.
	CategoryNotFound
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error wraps an underlying store failure with its retry category and the
// operation that produced it.
type Error struct {
	Op       string
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Op: op, Category: CategoryTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) error {
	return &Error{Op: op, Category: CategoryPermanent, Err: err}
}

// NotFound wraps err as an absent-key result.
func NotFound(op string, err error) error {
	return &Error{Op: op, Category: CategoryNotFound, Err: err}
}

// IsTransient reports whether err is safe to retry. Untyped network and
// context-deadline failures are treated as transient.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Category == CategoryTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Category == CategoryPermanent
	}
	return false
}

// IsNotFound reports whether err marks an absent key.
func IsNotFound(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Category == CategoryNotFound
	}
	return false
}
