// Package memerr defines the typed error taxonomy shared across the
// memory engine: transient I/O, validation, contract, persistence, and
// consent failures, each tagged with the component that raised them.
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// Transient covers retryable I/O failures: HTTP timeouts, connection
	// resets, and 5xx/429 responses from the embedding server or vector index.
	Transient Kind = iota
	// Validation covers malformed configuration or out-of-range values.
	Validation
	// Contract covers invalid ids or empty queries that require non-empty input.
	Contract
	// Persistence covers SQL constraint violations and storage failures.
	Persistence
	// Consent covers attempts to use profile data without granted consent.
	Consent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Contract:
		return "contract"
	case Persistence:
		return "persistence"
	case Consent:
		return "consent"
	default:
		return "unknown"
	}
}

// Error is the typed error wrapper. Source names the component that
// raised it (e.g. "embedding", "vectorindex", "sqlstore").
type Error struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and source. If err is nil, New returns nil.
func New(kind Kind, source string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Source: source, Err: err}
}

// Newf builds a new typed error from a format string.
func Newf(kind Kind, source, format string, args ...interface{}) error {
	return &Error{Kind: kind, Source: source, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to Transient when err
// does not carry one; the retrieval path maps every failure to
// Transient for counter purposes.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// SourceOf extracts the Source from err, defaulting to "unknown".
func SourceOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Source
	}
	return "unknown"
}
