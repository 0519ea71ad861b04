package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeNoCandidate  ErrorType = "no_candidate_available"
	ErrorTypeExhausted    ErrorType = "exhausted"
	ErrorTypeCancelled    ErrorType = "cancelled"
	ErrorTypeDeadline     ErrorType = "deadline_exceeded"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeUnavailable  ErrorType = "unavailable"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables. These are templates for errors.Is; build fresh
// errors with NewDomainError when details are attached.

var (
	ErrBackendNotFound  = NewDomainError(ErrorTypeNotFound, "backend not found", nil)
	ErrDecisionNotFound = NewDomainError(ErrorTypeNotFound, "routing decision not found", nil)

	ErrInvalidInput      = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidCapability = NewDomainError(ErrorTypeValidation, "invalid capability", nil)
	ErrEmptyText         = NewDomainError(ErrorTypeValidation, "text cannot be empty", nil)

	ErrUnauthorized  = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken  = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired  = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)
	ErrForbidden     = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrDuplicateID   = NewDomainError(ErrorTypeConflict, "backend id already registered", nil)
	ErrNoCandidate   = NewDomainError(ErrorTypeNoCandidate, "no candidate backend available", nil)
	ErrExhausted     = NewDomainError(ErrorTypeExhausted, "every candidate backend failed", nil)
	ErrCancelled     = NewDomainError(ErrorTypeCancelled, "request cancelled", nil)
	ErrDeadline      = NewDomainError(ErrorTypeDeadline, "request deadline passed before dispatch", nil)
	ErrInternal      = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrStoreDisabled = NewDomainError(ErrorTypeUnavailable, "persistence is not configured", nil)
)

// Error type checking helper functions

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return hasType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return hasType(err, ErrorTypeForbidden) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return hasType(err, ErrorTypeConflict) }

// IsNoCandidateError checks if routing failed before any adapter call
func IsNoCandidateError(err error) bool { return hasType(err, ErrorTypeNoCandidate) }

// IsExhaustedError checks if every candidate failed
func IsExhaustedError(err error) bool { return hasType(err, ErrorTypeExhausted) }

// IsCancelledError checks if the caller cancelled the request
func IsCancelledError(err error) bool { return hasType(err, ErrorTypeCancelled) }

// IsDeadlineError checks if the request deadline passed before any backend was tried
func IsDeadlineError(err error) bool { return hasType(err, ErrorTypeDeadline) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return hasType(err, ErrorTypeInternal) }

// IsUnavailableError checks if an optional subsystem is switched off
func IsUnavailableError(err error) bool { return hasType(err, ErrorTypeUnavailable) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
