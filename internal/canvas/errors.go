package canvas

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLockRequired     = errors.New("edit lock required")
	ErrLockMismatch     = errors.New("edit lock held by another session")
	ErrLockExpired      = errors.New("edit lock expired")
	ErrLockHeld         = errors.New("brief is locked for editing")
	ErrValidationFailed = errors.New("validation failed")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrBriefNotFound    = errors.New("brief not found")
	ErrForbidden        = errors.New("not allowed for this role")
)

// LockHeldError reports who holds a live lock and for how long. Holder is
// the stable user id; HolderName is only for display.
type LockHeldError struct {
	Holder     string
	HolderName string
	ExpiresAt  time.Time
	Remaining  time.Duration
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("being edited by %s, try again in %ds", displayName(e.Holder, e.HolderName), e.RemainingSeconds())
}

func displayName(id, name string) string {
	if name != "" {
		return name
	}
	return id
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

// RemainingSeconds rounds up so a caller never retries before expiry.
func (e *LockHeldError) RemainingSeconds() int {
	secs := int(e.Remaining / time.Second)
	if e.Remaining%time.Second > 0 {
		secs++
	}
	return secs
}

// ValidationError points at the op that aborted a batch.
type ValidationError struct {
	Op     int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("op %d: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("op %d: %s: %s", e.Op, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

func invalid(op int, field, reason string) error {
	return &ValidationError{Op: op, Field: field, Reason: reason}
}

// RestoreError names the snapshot a failed restore was applying.
type RestoreError struct {
	SnapshotID string
	Err        error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore snapshot %s: %v", e.SnapshotID, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }
