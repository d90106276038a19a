package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"meshcall/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeDevice             ErrorCode = "DEVICE_ERROR"
	ErrCodeNotConnected       ErrorCode = "NOT_CONNECTED"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         ErrorCode = "BAD_GATEWAY"
)

// AppError is the structured error rendered by the HTTP command surface.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// FromDomain maps core errors onto AppErrors. The domain classification
// is kept in the "kind" context entry.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	var appErr *AppError
	switch {
	case stderrors.Is(err, domain.ErrPermissionDenied):
		appErr = WrapError(err, ErrCodeForbidden, "media permission denied", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrDeviceUnavailable),
		stderrors.Is(err, domain.ErrDeviceBusy):
		appErr = WrapError(err, ErrCodeDevice, "media device error", http.StatusConflict)
	case stderrors.Is(err, domain.ErrNotConnected):
		appErr = WrapError(err, ErrCodeNotConnected, "not connected to relay", http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrJoinTimeout):
		appErr = WrapError(err, ErrCodeTimeout, "join timed out", http.StatusGatewayTimeout)
	case stderrors.Is(err, domain.ErrTransport):
		appErr = WrapError(err, ErrCodeBadGateway, "relay unreachable", http.StatusBadGateway)
	case stderrors.Is(err, domain.ErrPeerNotFound):
		appErr = WrapError(err, ErrCodeNotFound, "peer not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrNoCapture),
		stderrors.Is(err, domain.ErrCaptureReleased):
		appErr = WrapError(err, ErrCodeConflict, "no active capture", http.StatusConflict)
	default:
		appErr = WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
	return appErr.WithContext("kind", domain.ErrorKind(err))
}

func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
