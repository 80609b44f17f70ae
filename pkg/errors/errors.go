package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

const (
	ErrValidation    = "VALIDATION_ERROR"
	ErrNotFound      = "NOT_FOUND"
	ErrProviderFetch = "PROVIDER_FETCH_ERROR"
	ErrPersistence   = "PERSISTENCE_ERROR"
	ErrLedger        = "LEDGER_ERROR"
	ErrInternal      = "INTERNAL_ERROR"
)

func Validation(message string) *AppError {
	return New(ErrValidation, message, nil)
}

func NotFound(message string) *AppError {
	return New(ErrNotFound, message, nil)
}

// CodeOf returns the code of the first AppError in err's chain, ErrInternal otherwise
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Is reports whether err carries the given code
func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error code to the response status
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is safe to return to clients: 4xx messages pass through, 5xx are generic
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case ErrValidation, ErrNotFound:
			return appErr.Message
		}
	}
	return "internal server error"
}
