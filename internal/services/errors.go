package services

import "errors"

type ErrorCode string

const (
	ErrorInvalidInput      ErrorCode = "invalid_input"
	ErrorDependencyFailure ErrorCode = "dependency_failure"
	ErrorConfiguration     ErrorCode = "configuration"
	ErrorNotFound          ErrorCode = "not_found"
	ErrorUnauthorized      ErrorCode = "unauthorized"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func NewInvalidInputError(msg string) error {
	return &ServiceError{Code: ErrorInvalidInput, Message: msg}
}

func NewDependencyFailureError(msg string) error {
	return &ServiceError{Code: ErrorDependencyFailure, Message: msg}
}

func NewConfigurationError(msg string) error {
	return &ServiceError{Code: ErrorConfiguration, Message: msg}
}

func NewNotFoundError(msg string) error {
	return &ServiceError{Code: ErrorNotFound, Message: msg}
}

func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
