package canvas

import (
	"time"

	"briefcanvas/api/internal/auth"
)

// EditLock is the persisted exclusive-edit capability for one brief.
// A lock whose ExpiresAt is in the past is treated as absent everywhere;
// nothing sweeps expired rows. Holder is the user id from the bearer token.
type EditLock struct {
	BriefID    string    `json:"briefId"`
	Holder     string    `json:"holder"`
	HolderName string    `json:"holderName,omitempty"`
	TokenHash  string    `json:"-"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (l *EditLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Live normalizes an expired lock to nil.
func Live(l *EditLock, now time.Time) *EditLock {
	if l == nil || l.Expired(now) {
		return nil
	}
	return l
}

// Matches reports whether token is the one this lock was granted with. Only
// the digest is ever stored.
func (l *EditLock) Matches(token string) bool {
	return token != "" && auth.HashToken(token) == l.TokenHash
}

// Authorize decides whether token may mutate a brief whose stored lock row
// is l. It is called inside the write transaction so the answer cannot go
// stale before the commit.
func Authorize(l *EditLock, token string, now time.Time) error {
	if l == nil {
		return ErrLockRequired
	}
	if l.Expired(now) {
		if l.Matches(token) {
			return ErrLockExpired
		}
		return ErrLockRequired
	}
	if !l.Matches(token) {
		return ErrLockMismatch
	}
	return nil
}

// LockStatus is the public view of a lock; it never carries the token.
type LockStatus struct {
	Locked           bool       `json:"locked"`
	Holder           string     `json:"holder,omitempty"`
	HolderName       string     `json:"holderName,omitempty"`
	AcquiredAt       *time.Time `json:"acquiredAt,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	RemainingSeconds int        `json:"remainingSeconds,omitempty"`
}

func StatusOf(l *EditLock, now time.Time) LockStatus {
	l = Live(l, now)
	if l == nil {
		return LockStatus{}
	}
	held := &LockHeldError{Holder: l.Holder, HolderName: l.HolderName, ExpiresAt: l.ExpiresAt, Remaining: l.ExpiresAt.Sub(now)}
	acquired, expires := l.AcquiredAt, l.ExpiresAt
	return LockStatus{
		Locked:           true,
		Holder:           l.Holder,
		HolderName:       l.HolderName,
		AcquiredAt:       &acquired,
		ExpiresAt:        &expires,
		RemainingSeconds: held.RemainingSeconds(),
	}
}
