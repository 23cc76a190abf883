package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrCorruptIndexEntry       = errors.New("corrupt index entry")
	ErrDuplicateUniqueProperty = errors.New("duplicate unique property")
	ErrIndexWriteFailed        = errors.New("index write failed")
	ErrFieldNotIndexed         = errors.New("field not indexed")
	ErrFieldNotFullTextIndexed = errors.New("field not full-text indexed")
	ErrCursorInvalid           = errors.New("cursor invalid")
	ErrQueryLimitExceeded      = errors.New("query limit exceeded")
	ErrInvalidQuery            = errors.New("invalid query")
	ErrInvalidLocation         = errors.New("invalid location")
	ErrEntityNotFound          = errors.New("entity not found")
	ErrInvalidInput            = errors.New("invalid input")
	ErrTimeout                 = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Wrapf attaches a formatted message to a sentinel and picks the status code
// from HTTPStatusCode.
func Wrapf(sentinel error, format string, args ...any) *AppError {
	return Newf(sentinel, HTTPStatusCode(sentinel), format, args...)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateUniqueProperty):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidQuery),
		errors.Is(err, ErrFieldNotIndexed), errors.Is(err, ErrFieldNotFullTextIndexed),
		errors.Is(err, ErrInvalidLocation):
		return http.StatusBadRequest
	case errors.Is(err, ErrIndexWriteFailed), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
