package app

import (
	"errors"
	"fmt"
	"net/http"

	"briefcanvas/api/internal/auth"
	"briefcanvas/api/internal/canvas"
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

// mapError classifies service errors into the HTTP error contract.
func mapError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	mapped := classify(err)
	var restoreErr *canvas.RestoreError
	if errors.As(err, &restoreErr) && mapped.Details == nil {
		mapped.Details = map[string]any{"snapshotId": restoreErr.SnapshotID}
	}
	return mapped
}

func classify(err error) *DomainError {
	var held *canvas.LockHeldError
	if errors.As(err, &held) {
		return domainError(http.StatusConflict, "LOCK_HELD", held.Error(), map[string]any{
			"holder":           held.Holder,
			"holderName":       held.HolderName,
			"expiresAt":        held.ExpiresAt,
			"remainingSeconds": held.RemainingSeconds(),
		})
	}
	var invalid *canvas.ValidationError
	if errors.As(err, &invalid) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_FAILED", invalid.Error(), map[string]any{
			"op":     invalid.Op,
			"field":  invalid.Field,
			"reason": invalid.Reason,
		})
	}

	switch {
	case errors.Is(err, canvas.ErrLockRequired):
		return domainError(http.StatusPreconditionRequired, "LOCK_REQUIRED", "Acquire the edit lock first", nil)
	case errors.Is(err, canvas.ErrLockMismatch):
		return domainError(http.StatusConflict, "LOCK_MISMATCH", "Edit lock is held by another session", nil)
	case errors.Is(err, canvas.ErrLockExpired):
		return domainError(http.StatusConflict, "LOCK_EXPIRED", "Edit lock expired, acquire it again", nil)
	case errors.Is(err, canvas.ErrValidationFailed):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
	case errors.Is(err, canvas.ErrSnapshotNotFound):
		return domainError(http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "Snapshot not found", nil)
	case errors.Is(err, canvas.ErrForbidden):
		return domainError(http.StatusForbidden, "FORBIDDEN", "Your role on this brief does not allow that", nil)
	case errors.Is(err, canvas.ErrBriefNotFound):
		return domainError(http.StatusNotFound, "BRIEF_NOT_FOUND", "Brief not found", nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
}
