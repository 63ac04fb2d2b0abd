// Package editlock grants, renews and releases the single exclusive edit
// lock of a brief. Locks live in the store; expiry is computed on read and
// nothing sweeps stale rows.
package editlock

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"briefcanvas/api/internal/auth"
	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/notify"
	"briefcanvas/api/internal/util"
)

const DefaultTTL = 30 * time.Second

// Grant is handed to the caller that won the lock. Token is shown once;
// only its digest is stored.
type Grant struct {
	Token      string    `json:"lockToken"`
	Holder     string    `json:"holder"`
	HolderName string    `json:"holderName,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type Manager struct {
	repo     canvas.Repository
	ttl      time.Duration
	events   notify.Emitter
	log      zerolog.Logger
	now      func() time.Time
	newToken func() string
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithEmitter(e notify.Emitter) Option { return func(m *Manager) { m.events = e } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(repo canvas.Repository, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		ttl:      DefaultTTL,
		events:   notify.Nop{},
		log:      log.With().Str("component", "editlock").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		newToken: func() string { return util.NewID("lock") },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire grants the lock iff no live lock exists. A live lock, including
// one already held by the same holder, yields a *canvas.LockHeldError.
// holder is the caller's user id; holderName is shown to other editors.
func (m *Manager) Acquire(ctx context.Context, briefID, holder, holderName string) (Grant, error) {
	token := m.newToken()
	var grant Grant
	err := m.repo.InBrief(ctx, briefID, func(tx canvas.Tx) error {
		now := m.now()
		current, err := tx.Lock(ctx)
		if err != nil {
			return err
		}
		if live := canvas.Live(current, now); live != nil {
			return &canvas.LockHeldError{
				Holder:     live.Holder,
				HolderName: live.HolderName,
				ExpiresAt:  live.ExpiresAt,
				Remaining:  live.ExpiresAt.Sub(now),
			}
		}
		l := canvas.EditLock{
			BriefID:    briefID,
			Holder:     holder,
			HolderName: holderName,
			TokenHash:  auth.HashToken(token),
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.ttl),
		}
		if err := tx.PutLock(ctx, l); err != nil {
			return fmt.Errorf("store lock: %w", err)
		}
		grant = Grant{Token: token, Holder: holder, HolderName: holderName, ExpiresAt: l.ExpiresAt}
		return nil
	})
	if err != nil {
		return Grant{}, err
	}

	m.log.Info().Str("brief_id", briefID).Str("holder", holder).Time("expires_at", grant.ExpiresAt).Msg("lock acquired")
	m.emit(ctx, notify.Event{Type: notify.LockAcquired, BriefID: briefID, At: m.now(), Data: map[string]any{"holder": holder, "holderName": holderName, "expiresAt": grant.ExpiresAt}})
	return grant, nil
}

// Heartbeat pushes the expiry of a live, matching lock to now+TTL.
func (m *Manager) Heartbeat(ctx context.Context, briefID, token string) (time.Time, error) {
	var expiresAt time.Time
	err := m.repo.InBrief(ctx, briefID, func(tx canvas.Tx) error {
		now := m.now()
		current, err := tx.Lock(ctx)
		if err != nil {
			return err
		}
		l := canvas.Live(current, now)
		if l == nil {
			return canvas.ErrLockExpired
		}
		if !l.Matches(token) {
			return canvas.ErrLockMismatch
		}
		renewed := *l
		renewed.ExpiresAt = now.Add(m.ttl)
		if err := tx.PutLock(ctx, renewed); err != nil {
			return fmt.Errorf("renew lock: %w", err)
		}
		expiresAt = renewed.ExpiresAt
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	m.log.Debug().Str("brief_id", briefID).Time("expires_at", expiresAt).Msg("lock renewed")
	return expiresAt, nil
}

// Release clears the lock when token matches. Releasing an expired or
// foreign lock is a no-op.
func (m *Manager) Release(ctx context.Context, briefID, token string) error {
	var released *canvas.EditLock
	err := m.repo.InBrief(ctx, briefID, func(tx canvas.Tx) error {
		current, err := tx.Lock(ctx)
		if err != nil {
			return err
		}
		if current == nil || !current.Matches(token) {
			return nil
		}
		if err := tx.ClearLock(ctx); err != nil {
			return fmt.Errorf("clear lock: %w", err)
		}
		if canvas.Live(current, m.now()) != nil {
			released = current
		}
		return nil
	})
	if err != nil {
		return err
	}
	if released != nil {
		m.log.Info().Str("brief_id", briefID).Str("holder", released.Holder).Msg("lock released")
		m.emit(ctx, notify.Event{Type: notify.LockReleased, BriefID: briefID, At: m.now(), Data: map[string]any{"holder": released.Holder}})
	}
	return nil
}

func (m *Manager) Status(ctx context.Context, briefID string) (canvas.LockStatus, error) {
	l, err := m.repo.ReadLock(ctx, briefID)
	if err != nil {
		return canvas.LockStatus{}, err
	}
	return canvas.StatusOf(l, m.now()), nil
}

func (m *Manager) emit(ctx context.Context, ev notify.Event) {
	if err := m.events.Emit(ctx, ev); err != nil {
		m.log.Warn().Err(err).Str("brief_id", ev.BriefID).Str("event", ev.Type).Msg("event publish failed")
	}
}
