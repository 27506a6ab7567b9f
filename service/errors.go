package service

import (
	"errors"
	"fmt"
)

const (
	// ErrInternal means that an internal server error has occurred.
	ErrInternal = "internal_error"
	// ErrEntityNotFound means that an addressable entity is absent (unknown
	// instance on heartbeat, unknown name on resolve).
	ErrEntityNotFound = "entity_not_found"
	// ErrValidation means that a provided parameter does not match its contract.
	ErrValidation = "validation_error"
	// ErrUpstreamUnavailable means that a downstream dependency failed to
	// connect or timed out.
	ErrUpstreamUnavailable = "upstream_unavailable"
	// ErrAuth means a missing or invalid credential.
	ErrAuth = "auth_error"
)

// MeshError represents an error within the discovery plane services.
type MeshError struct {
	// Code is a machine-readable code.
	Code string `json:"code,omitempty"`
	// Message is a human-readable message.
	Message string `json:"message"`
	// Inner is a wrapped error that is never shown to API consumers.
	Inner error `json:"-"`
}

// NewMeshError creates a new MeshError.
func NewMeshError(code string, message string, inner error) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Inner:   inner,
	}
}

func NewInternalError(message string, inner error) *MeshError {
	if meshInner := ToMeshError(inner); meshInner != nil {
		return meshInner
	}
	return NewMeshError(ErrInternal, message, inner)
}

func NewEntityNotFoundError(message string, inner error) *MeshError {
	if meshInner := ToMeshError(inner); meshInner != nil {
		return meshInner
	}
	return NewMeshError(ErrEntityNotFound, message, inner)
}

func NewValidationError(message string, inner error) *MeshError {
	if meshInner := ToMeshError(inner); meshInner != nil {
		return meshInner
	}
	return NewMeshError(ErrValidation, message, inner)
}

func NewUpstreamUnavailableError(message string, inner error) *MeshError {
	if meshInner := ToMeshError(inner); meshInner != nil {
		return meshInner
	}
	return NewMeshError(ErrUpstreamUnavailable, message, inner)
}

func NewAuthError(message string, inner error) *MeshError {
	if meshInner := ToMeshError(inner); meshInner != nil {
		return meshInner
	}
	return NewMeshError(ErrAuth, message, inner)
}

func (e MeshError) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s %s: %v", e.Code, e.Message, e.Inner)
	}
	return fmt.Sprintf("%s %s", e.Code, e.Message)
}

// Unwrap the error returning the error's reason.
func (e MeshError) Unwrap() error {
	return e.Inner
}

// ToMeshError returns a pointer to a mesh error, or nil if it is not one.
func ToMeshError(err error) *MeshError {
	var e *MeshError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// ToMeshErrorCode returns the code of the error, if available.
func ToMeshErrorCode(err error) string {
	if meshErr := ToMeshError(err); meshErr != nil {
		return meshErr.Code
	}
	return ""
}

func IsMeshError(err error, code string) bool {
	if meshErr := ToMeshError(err); meshErr != nil {
		return meshErr.Code == code
	}
	return false
}

func IsInternalError(err error) bool {
	return IsMeshError(err, ErrInternal)
}

func IsEntityNotFoundError(err error) bool {
	return IsMeshError(err, ErrEntityNotFound)
}

func IsValidationError(err error) bool {
	return IsMeshError(err, ErrValidation)
}

func IsUpstreamUnavailableError(err error) bool {
	return IsMeshError(err, ErrUpstreamUnavailable)
}

func IsAuthError(err error) bool {
	return IsMeshError(err, ErrAuth)
}
