// Package errors provides error handling utilities.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Type identifies the category of error
type Type string

const (
	// TypeSchema indicates a malformed observation record or registry entry
	TypeSchema Type = "SCHEMA_ERROR"

	// TypeMissingObservation indicates a provider with no value from any source tier
	TypeMissingObservation Type = "MISSING_OBSERVATION"

	// TypeCategoryStarvation indicates a category with zero surviving providers
	TypeCategoryStarvation Type = "CATEGORY_STARVATION"

	// TypeAnomalyRejected indicates a computed index that failed the swing check
	TypeAnomalyRejected Type = "ANOMALY_REJECTED"

	// TypeNoHistory indicates a rejected value with nothing to carry forward
	TypeNoHistory Type = "NO_HISTORY"

	// TypeWeightSumMismatch indicates final weights that do not sum to their target
	TypeWeightSumMismatch Type = "WEIGHT_SUM_MISMATCH"

	// TypeConfig indicates a configuration error
	TypeConfig Type = "CONFIG_ERROR"

	// TypeStorage indicates a history or state storage failure
	TypeStorage Type = "STORAGE_ERROR"

	// TypePublish indicates a publication sink failure
	TypePublish Type = "PUBLISH_ERROR"

	// TypeInternal indicates an internal error
	TypeInternal Type = "INTERNAL_ERROR"
)

// Error represents a domain error with context
type Error struct {
	Type    Type                   `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *Error) Is(t Type) bool {
	return e.Type == t
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new error
func New(errType Type, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// Newf creates a new formatted error
func Newf(errType Type, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with context
func Wrap(errType Type, message string, cause error) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// Wrapf wraps an error with formatted context
func Wrapf(errType Type, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// IsType checks if an error, or any error it wraps, is of a specific type
func IsType(err error, t Type) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// TypeOf returns the domain type of err, or TypeInternal for foreign errors
func TypeOf(err error) Type {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return TypeInternal
}

// IsFatal reports whether err must abort the affected computation.
// Schema errors, weight mismatches and missing history halt; everything
// else degrades into provenance.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch TypeOf(err) {
	case TypeSchema, TypeWeightSumMismatch, TypeNoHistory, TypeInternal:
		return true
	}
	return false
}

// Schema creates a schema validation error
func Schema(message string) *Error {
	return New(TypeSchema, message)
}

// Schemaf creates a formatted schema validation error
func Schemaf(format string, args ...interface{}) *Error {
	return Newf(TypeSchema, format, args...)
}

// WeightSumMismatch creates a weight invariant error
func WeightSumMismatch(message string) *Error {
	return New(TypeWeightSumMismatch, message)
}

// NoHistory creates the fatal error for a rejected variant with no prior value
func NoHistory(variant string) *Error {
	return Newf(TypeNoHistory, "no published history for %s to carry forward", variant)
}

// Config creates a configuration error
func Config(message string, cause error) *Error {
	return Wrap(TypeConfig, message, cause)
}

// Storage creates a storage error
func Storage(message string, cause error) *Error {
	return Wrap(TypeStorage, message, cause)
}

// Publish creates a publication error
func Publish(message string, cause error) *Error {
	return Wrap(TypePublish, message, cause)
}

// Internal creates an internal error
func Internal(message string, cause error) *Error {
	return Wrap(TypeInternal, message, cause)
}
