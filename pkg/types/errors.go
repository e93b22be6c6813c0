package types

import (
	"errors"
	"fmt"
)

// Sentinel values for errors.Is checks against the engine's error taxonomy.
var (
	ErrValidation         = &ValidationError{}
	ErrConflict           = &ConflictError{}
	ErrNotFound           = &NotFoundError{}
	ErrBackendUnavailable = &BackendUnavailableError{}
)

// ValidationError reports malformed or temporally inconsistent input.
// It is always returned before any write reaches the backend.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// Is implements errors.Is support for ValidationError.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a validation error for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a lost write race, a branch-name collision or an id
// that is already stored. Only lost races succeed on retry.
type ConflictError struct {
	Key     string
	Message string

	// Duplicate marks a collision with an already stored identifier.
	Duplicate bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Key, e.Message)
}

// Is implements errors.Is support for ConflictError.
func (e *ConflictError) Is(target error) bool {
	_, ok := target.(*ConflictError)
	return ok
}

// NewConflictError creates a conflict error for the given key.
func NewConflictError(key, format string, args ...any) *ConflictError {
	return &ConflictError{Key: key, Message: fmt.Sprintf(format, args...)}
}

// NewDuplicateError reports that an id of the given kind is already stored.
func NewDuplicateError(kind, id string) *ConflictError {
	return &ConflictError{Key: id, Message: kind + " id already exists", Duplicate: true}
}

// IsDuplicate reports whether err is an id collision rather than a lost race.
func IsDuplicate(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.Duplicate
}

// NotFoundError reports a missing entity, version, or relationship.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// Is implements errors.Is support for NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// BackendUnavailableError reports that the persistence layer could not be reached.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("backend %s unavailable", e.Backend)
	}
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support for BackendUnavailableError.
func (e *BackendUnavailableError) Is(target error) bool {
	_, ok := target.(*BackendUnavailableError)
	return ok
}

// NewBackendUnavailableError wraps err as a backend failure.
func NewBackendUnavailableError(backend string, err error) *BackendUnavailableError {
	return &BackendUnavailableError{Backend: backend, Err: err}
}
