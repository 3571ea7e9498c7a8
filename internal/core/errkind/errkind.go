// Package errkind classifies the errors that flow through the core
// services: whether a caller made a mistake, whether a credential is bad,
// whether a provider failed in a way worth retrying, and so on. Components
// wrap their errors in one of these kinds so callers higher up the stack
// (the fallback chain, the task engine's retry loop, HTTP/GraphQL adapters)
// can make a single decision without re-deriving provider-specific string
// matching at every layer.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories a core-service operation can fail
// with.
type Kind string

const (
	Validation        Kind = "validation"
	Auth              Kind = "auth"
	Capability        Kind = "capability"
	ProviderTransient Kind = "provider_transient"
	ProviderFatal     Kind = "provider_fatal"
	Storage           Kind = "storage"
	Concurrency       Kind = "concurrency"
	Cancellation      Kind = "cancellation"
)

// Retryable reports whether operations that fail with this kind are worth
// retrying without operator intervention.
func (k Kind) Retryable() bool {
	switch k {
	case ProviderTransient, Storage, Concurrency:
		return true
	default:
		return false
	}
}

// Error wraps an underlying error with a Kind and a short message. It is
// the common error type returned from internal/core/... packages.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, if any, with ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether err, if it carries a Kind, is retryable. A
// non-Kind error is treated as non-retryable by default: callers that want
// string-based classification (timeouts, 5xx, etc.) should use
// internal/resilience's retryable-error heuristics first and wrap the
// result in a Kind before it reaches here.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k.Retryable()
}

var (
	// ErrNotFound is returned when a lookup finds nothing. Components
	// wrap this with their own Kind (usually Storage) as needed.
	ErrNotFound = errors.New("not found")
)
