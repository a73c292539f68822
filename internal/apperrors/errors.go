package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the HTTP edge.
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindInvalidTransition   Kind = "INVALID_TRANSITION"
	KindExpired             Kind = "EXPIRED"
	KindInvalidState        Kind = "INVALID_STATE"
	KindInsufficientCredit  Kind = "INSUFFICIENT_CREDIT"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindConflict            Kind = "CONFLICT"
	KindNotFound            Kind = "NOT_FOUND"
	KindForbidden           Kind = "FORBIDDEN"
	KindTransient           Kind = "TRANSIENT"
	KindServiceUnavailable  Kind = "SERVICE_UNAVAILABLE"
	KindInternal            Kind = "INTERNAL"
)

// AppError is the error type returned by every ledger and state machine operation.
type AppError struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another *AppError of the same kind, so errors.Is(err, ErrExpired) works
// against the sentinels below.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation          = &AppError{Kind: KindValidation}
	ErrInvalidTransition   = &AppError{Kind: KindInvalidTransition}
	ErrExpired             = &AppError{Kind: KindExpired}
	ErrInvalidState        = &AppError{Kind: KindInvalidState}
	ErrInsufficientCredit  = &AppError{Kind: KindInsufficientCredit}
	ErrInsufficientBalance = &AppError{Kind: KindInsufficientBalance}
	ErrConflict            = &AppError{Kind: KindConflict}
	ErrNotFound            = &AppError{Kind: KindNotFound}
	ErrForbidden           = &AppError{Kind: KindForbidden}
	ErrTransient           = &AppError{Kind: KindTransient}
	ErrServiceUnavailable  = &AppError{Kind: KindServiceUnavailable}
	ErrInternal            = &AppError{Kind: KindInternal}
)

// NewValidationError creates a validation error carrying field-level detail.
func NewValidationError(message string, fields map[string]string) *AppError {
	return &AppError{Kind: KindValidation, Message: message, Fields: fields}
}

// FieldError is a shorthand for a validation error on a single field.
func FieldError(field, problem string) *AppError {
	return NewValidationError(fmt.Sprintf("%s %s", field, problem), map[string]string{field: problem})
}

func NewInvalidTransitionError(from, to string) *AppError {
	return &AppError{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

func NewExpiredError(message string) *AppError {
	return &AppError{Kind: KindExpired, Message: message}
}

func NewInvalidStateError(message string) *AppError {
	return &AppError{Kind: KindInvalidState, Message: message}
}

func NewInsufficientCreditError(sessionType string) *AppError {
	return &AppError{
		Kind:    KindInsufficientCredit,
		Message: fmt.Sprintf("credit exhausted: no %s credits remaining", sessionType),
	}
}

func NewInsufficientBalanceError(message string) *AppError {
	return &AppError{Kind: KindInsufficientBalance, Message: message}
}

func NewConflictError(message string) *AppError {
	return &AppError{Kind: KindConflict, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Kind: KindNotFound, Message: message}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{Kind: KindForbidden, Message: message}
}

func NewTransientError(message string, err error) *AppError {
	return &AppError{Kind: KindTransient, Message: message, Err: err}
}

func NewServiceUnavailableError(message string, err error) *AppError {
	return &AppError{Kind: KindServiceUnavailable, Message: message, Err: err}
}

func NewInternalError(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
