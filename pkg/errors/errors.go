package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConnectivity indicates a backend (ledger or local store) was
	// unreachable. Chunk- and line-level processing skips and counts it.
	ErrConnectivity = errors.New("backend unreachable")
	// ErrConstraintViolation indicates a duplicate aggregate key. Upserts are
	// conflict-ignore, so this is informational rather than fatal.
	ErrConstraintViolation = errors.New("aggregate key already exists")
	// ErrSchemaMismatch indicates a ledger row that does not match the
	// expected shape. The row is skipped and counted.
	ErrSchemaMismatch = errors.New("unexpected row shape")
	// ErrCacheUnavailable indicates the cache backend is down. Callers fall
	// open to direct compute and never surface this to dashboards.
	ErrCacheUnavailable = errors.New("cache backend unavailable")
	// ErrAuthorizationDenied indicates a push client that may not subscribe
	// to the requested room.
	ErrAuthorizationDenied = errors.New("authorization denied")

	ErrLineNotFound = errors.New("line not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrTimeout      = errors.New("operation timed out")
	ErrInternal     = errors.New("internal error")
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

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrLineNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrConnectivity), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrConstraintViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
