// Typed error sums shared by all components. Lower layers only ever return
// one of these three families (or a plain wrapped error for infrastructure
// failures); the HTTP layer pattern-matches once, at the edge, to produce
// status codes. Nothing below the HTTP layer knows about status codes.
package common

import (
	"errors"
	"fmt"
)

// EngineErrorKind classifies failures raised by the inference engine adapter.
type EngineErrorKind string

const (
	EngineLoad               EngineErrorKind = "load"
	EngineValidation         EngineErrorKind = "validation"
	EngineInput              EngineErrorKind = "input"
	EngineRuntime            EngineErrorKind = "runtime"
	EngineInvariantViolation EngineErrorKind = "invariant_violation"
)

// EngineError is an engine-originated failure. Engine errors are permanent:
// callers surface them or settle the owning job as failed, never retry them.
type EngineError struct {
	Kind    EngineErrorKind
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewEngineError builds an EngineError wrapping an underlying cause.
func NewEngineError(kind EngineErrorKind, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: err}
}

// EngineErrorf builds an EngineError with a formatted message and no cause.
func EngineErrorf(kind EngineErrorKind, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsEngineError unwraps err to an EngineError if one is in the chain.
func AsEngineError(err error) (*EngineError, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// IsEngineKind reports whether err carries an EngineError of the given kind.
func IsEngineKind(err error, kind EngineErrorKind) bool {
	if engineErr, ok := AsEngineError(err); ok {
		return engineErr.Kind == kind
	}
	return false
}

// CatalogErrorKind classifies catalog and job-registry failures.
type CatalogErrorKind string

const (
	CatalogNotFound CatalogErrorKind = "not_found"
	CatalogConflict CatalogErrorKind = "conflict"
	CatalogBadState CatalogErrorKind = "bad_state"
)

// CatalogError is a durable-registry failure: a missing row, a uniqueness or
// state-transition conflict, or an operation attempted from the wrong state.
type CatalogError struct {
	Kind    CatalogErrorKind
	Message string
	Err     error
}

func (e *CatalogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CatalogError) Unwrap() error { return e.Err }

// NewCatalogError builds a CatalogError wrapping an underlying cause.
func NewCatalogError(kind CatalogErrorKind, message string, err error) *CatalogError {
	return &CatalogError{Kind: kind, Message: message, Err: err}
}

// CatalogErrorf builds a CatalogError with a formatted message and no cause.
func CatalogErrorf(kind CatalogErrorKind, format string, args ...interface{}) *CatalogError {
	return &CatalogError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsCatalogError unwraps err to a CatalogError if one is in the chain.
func AsCatalogError(err error) (*CatalogError, bool) {
	var catalogErr *CatalogError
	if errors.As(err, &catalogErr) {
		return catalogErr, true
	}
	return nil, false
}

// IsCatalogKind reports whether err carries a CatalogError of the given kind.
func IsCatalogKind(err error, kind CatalogErrorKind) bool {
	if catalogErr, ok := AsCatalogError(err); ok {
		return catalogErr.Kind == kind
	}
	return false
}

// StorageErrorKind classifies artifact-store failures.
type StorageErrorKind string

const (
	StorageFull     StorageErrorKind = "full"
	StorageNotFound StorageErrorKind = "not_found"
	StorageOther    StorageErrorKind = "other"
)

// StorageError is an artifact-store failure. StorageFull maps to the size
// cap; StorageOther covers traversal rejections and backend faults.
type StorageError struct {
	Kind    StorageErrorKind
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError builds a StorageError wrapping an underlying cause.
func NewStorageError(kind StorageErrorKind, message string, err error) *StorageError {
	return &StorageError{Kind: kind, Message: message, Err: err}
}

// StorageErrorf builds a StorageError with a formatted message and no cause.
func StorageErrorf(kind StorageErrorKind, format string, args ...interface{}) *StorageError {
	return &StorageError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsStorageError unwraps err to a StorageError if one is in the chain.
func AsStorageError(err error) (*StorageError, bool) {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr, true
	}
	return nil, false
}

// IsStorageKind reports whether err carries a StorageError of the given kind.
func IsStorageKind(err error, kind StorageErrorKind) bool {
	if storageErr, ok := AsStorageError(err); ok {
		return storageErr.Kind == kind
	}
	return false
}
