package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// The error taxonomy. Every rejected operation maps to exactly one of
// these; CONFLICT is the only retryable kind.

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func permissionDenied(message string) *DomainError {
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", message, nil)
}

func stateError(message string) *DomainError {
	return domainError(http.StatusConflict, "STATE_ERROR", message, nil)
}

func windowExpired(message string) *DomainError {
	return domainError(http.StatusForbidden, "WINDOW_EXPIRED", message, nil)
}

func integrityError(message string) *DomainError {
	return domainError(http.StatusConflict, "INTEGRITY_ERROR", message, nil)
}

func conflictError(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}
