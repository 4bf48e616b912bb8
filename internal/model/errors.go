package model

import (
	"errors"
	"fmt"
)

// ErrKind classifies failures for retry policy and API error envelopes.
type ErrKind string

const (
	KindInvalidInput       ErrKind = "InvalidInput"
	KindDuplicate          ErrKind = "Duplicate"
	KindExtraction         ErrKind = "ExtractionError"
	KindScreening          ErrKind = "ScreeningError"
	KindTransform          ErrKind = "TransformError"
	KindEmbedding          ErrKind = "EmbeddingError"
	KindStore              ErrKind = "StoreError"
	KindCitationValidation ErrKind = "CitationValidationError"
	KindCancelled          ErrKind = "Cancelled"
	KindInternal           ErrKind = "Internal"
)

// Error is the engine's classified error. Transient errors are eligible for
// retry; permanent errors fail the job immediately.
type Error struct {
	Kind      ErrKind
	Transient bool
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	kind := string(e.Kind)
	if e.Transient {
		kind += ".Transient"
	}
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind sentinels built with E.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// E builds a permanent classified error.
func E(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef builds a permanent classified error with formatting.
func Ef(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error as permanent.
func Wrap(kind ErrKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Transient classifies an underlying error as retry-eligible.
func Transient(kind ErrKind, msg string, err error) *Error {
	return &Error{Kind: kind, Transient: true, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain; Internal when unclassified.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether the error chain carries a transient
// classification. Unclassified errors are treated as permanent.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}

// IsCancelled reports cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
