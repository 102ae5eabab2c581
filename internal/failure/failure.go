// Package failure defines the closed error taxonomy used across the pipeline.
//
// Two families live here. Kinded errors (*Error) describe why a stage or an
// external call failed and end up in a job's error_kind/error_message.
// Consistency errors (ConflictError, NotFoundError, ValidationError) reject a
// request before anything changes and map onto API status codes.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindTranscriptNotFound Kind = "transcript_not_found"
	KindInvalidWorkflow    Kind = "invalid_workflow"
	KindProviderError      Kind = "provider_error"
	KindInvalidResponse    Kind = "invalid_response"
	KindBuildFailed        Kind = "build_failed"
	KindExtractionFailed   Kind = "extraction_failed"
	KindStorageError       Kind = "storage_error"
)

// External providers a provider_error can be attributed to.
const (
	ProviderGeneration = "generation"
	ProviderPerplexity = "perplexity"
	ProviderExa        = "exa"
	ProviderTavily     = "tavily"
)

// Error is a classified failure. Message carries the last underlying error
// message; Attempts is set when the failure came out of a retry loop.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	label := string(e.Kind)
	if e.Provider != "" {
		label += ":" + e.Provider
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: %s (after %d attempts)", label, e.Message, e.Attempts)
	}
	return fmt.Sprintf("%s: %s", label, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// Newf builds a kinded error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// Provider wraps err as a provider_error attributed to provider.
func Provider(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindProviderError, Provider: provider, Message: err.Error(), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Sentinels for the consistency errors. Use errors.Is.
var (
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")

	// ErrStaleWrite is returned by stores when a versioned write lost a race.
	ErrStaleWrite = errors.New("stale write")
)

// ConflictError rejects an operation that is illegal in the resource's
// current state.
type ConflictError struct {
	Op       string
	Resource string
	Status   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s %s in status %q", e.Op, e.Resource, e.Status)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports bad input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Conflict is shorthand for a *ConflictError.
func Conflict(op, resource, status string) error {
	return &ConflictError{Op: op, Resource: resource, Status: status}
}

// NotFound is shorthand for a *NotFoundError.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Permanent reports whether retrying err cannot help. Errors may opt in by
// implementing Permanent() bool.
func Permanent(err error) bool {
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return true
	}
	var p interface{ Permanent() bool }
	if errors.As(err, &p) && p.Permanent() {
		return true
	}
	k, ok := KindOf(err)
	return ok && (k == KindTranscriptNotFound || k == KindInvalidWorkflow)
}
