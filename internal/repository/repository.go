package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"teleconsult-server/internal/apperrors"
)

// IsDuplicateKey reports whether err is a unique constraint violation. Drivers that do not
// translate errors are matched on their message.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

// notFoundOr maps gorm's not-found error to a NotFound AppError and wraps anything else
// as internal.
func notFoundOr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NewNotFoundError(what + " not found")
	}
	return apperrors.NewInternalError("failed to load "+what, err)
}
