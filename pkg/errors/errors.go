// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrPlanNotFound       = errors.New("plan not found")
	ErrShareNotFound      = errors.New("share not found")
	ErrSessionNotFound    = errors.New("upload session not found")
	ErrNodeNotFound       = errors.New("file or folder not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrStorageLimit       = errors.New("storage limit exceeded")
	ErrBillingExpired     = errors.New("plan expired and usage exceeds free tier")
	ErrRollbackFailed     = errors.New("compensating delete failed")
	ErrRootAlreadyCreated = errors.New("root folder already created")
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrPrivateAddress     = errors.New("address is not publicly routable")
)

// Kind classifies failures for the HTTP boundary.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindAccess     Kind = "access"
	KindQuota      Kind = "quota"
	KindUpstream   Kind = "upstream"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// AppError carries the status code and client-facing message for a failure.
type AppError struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func Validation(message string) *AppError {
	return &AppError{Kind: KindValidation, Status: http.StatusBadRequest, Message: message}
}

func Unauthorized(message string) *AppError {
	return &AppError{Kind: KindAuth, Status: http.StatusUnauthorized, Message: message}
}

func Forbidden(message string) *AppError {
	return &AppError{Kind: KindAccess, Status: http.StatusForbidden, Err: ErrAccessDenied, Message: message}
}

func QuotaBlocked() *AppError {
	return &AppError{
		Kind:    KindQuota,
		Status:  http.StatusPaymentRequired,
		Message: "Your plan has expired and your usage exceeds the free tier",
		Err:     ErrBillingExpired,
	}
}

func QuotaExceeded() *AppError {
	return &AppError{
		Kind:    KindQuota,
		Status:  http.StatusRequestEntityTooLarge,
		Message: "Storage limit exceeded",
		Err:     ErrStorageLimit,
	}
}

func NotFound(message string, err error) *AppError {
	return &AppError{Kind: KindNotFound, Status: http.StatusNotFound, Message: message, Err: err}
}

// Upstream wraps a drive provider failure. A status outside 4xx/5xx is
// reported as 502.
func Upstream(status int, message string, err error) *AppError {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &AppError{Kind: KindUpstream, Status: status, Message: message, Err: err}
}

func Internal(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// StatusOf returns the HTTP status and message for err. Unclassified errors
// become 500 with a generic message.
func StatusOf(err error) (int, string) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status, appErr.Message
	}
	switch {
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrNodeNotFound), errors.Is(err, ErrShareNotFound), errors.Is(err, ErrPlanNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ErrStorageLimit):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, ErrBillingExpired):
		return http.StatusPaymentRequired, err.Error()
	}
	return http.StatusInternalServerError, "Internal server error"
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is and As re-export the standard helpers so callers need a single import.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
