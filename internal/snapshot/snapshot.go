// Package snapshot captures, lists and restores point-in-time copies of a
// brief's page/block graph.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/notify"
	"briefcanvas/api/internal/util"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 50
)

// Archiver copies a committed snapshot somewhere durable outside the store.
type Archiver interface {
	Archive(ctx context.Context, s canvas.Snapshot) error
}

type Listing struct {
	Items    []canvas.SnapshotInfo `json:"items"`
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"pageSize"`
}

type Service struct {
	repo     canvas.Repository
	events   notify.Emitter
	archiver Archiver
	log      zerolog.Logger
	now      func() time.Time
	// goAsync runs archive uploads off the request path.
	goAsync func(func())
	// uploads counts archive uploads still running.
	uploads sync.WaitGroup
}

type Option func(*Service)

func WithEmitter(e notify.Emitter) Option { return func(s *Service) { s.events = e } }
func WithArchiver(a Archiver) Option { return func(s *Service) { s.archiver = a } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithAsync(run func(func())) Option { return func(s *Service) { s.goAsync = run } }

func New(repo canvas.Repository, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		events:  notify.Nop{},
		log:     log.With().Str("component", "snapshot").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		goAsync: func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSnapshot copies whatever is committed right now. It does not need
// the edit lock.
func (s *Service) CreateSnapshot(ctx context.Context, briefID, createdBy, reason string) (canvas.SnapshotInfo, error) {
	if reason == "" {
		reason = canvas.ReasonManual
	}
	var snap canvas.Snapshot
	err := s.repo.InBrief(ctx, briefID, func(tx canvas.Tx) error {
		var err error
		snap, err = s.capture(ctx, tx, createdBy, reason)
		return err
	})
	if err != nil {
		return canvas.SnapshotInfo{}, err
	}
	s.committed(ctx, snap)
	return snap.Info(), nil
}

func (s *Service) capture(ctx context.Context, tx canvas.Tx, createdBy, reason string) (canvas.Snapshot, error) {
	g, err := tx.Graph(ctx)
	if err != nil {
		return canvas.Snapshot{}, err
	}
	g.Normalize()
	snap := canvas.Snapshot{
		ID:        util.NewID("snap"),
		BriefID:   tx.Brief().ID,
		CreatedBy: createdBy,
		Reason:    reason,
		CreatedAt: s.now(),
		Graph:     g.Clone(),
	}
	if err := tx.InsertSnapshot(ctx, snap); err != nil {
		return canvas.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots pages through a brief's snapshots, newest first. page is
// 1-based; pageSize is capped at MaxPageSize.
func (s *Service) ListSnapshots(ctx context.Context, briefID string, page, pageSize int) (Listing, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	items, total, err := s.repo.ListSnapshots(ctx, briefID, pageSize, (page-1)*pageSize)
	if err != nil {
		return Listing{}, err
	}
	if items == nil {
		items = []canvas.SnapshotInfo{}
	}
	return Listing{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// RestoreSnapshot replaces the live graph with the snapshot's copy. It is a
// mutation: the lock is checked in the same transaction as the write. Any
// failure leaves the brief untouched and is reported as a
// *canvas.RestoreError naming the snapshot.
func (s *Service) RestoreSnapshot(ctx context.Context, briefID, snapshotID, lockToken string) (canvas.Brief, canvas.Graph, error) {
	var (
		brief canvas.Brief
		graph canvas.Graph
	)
	err := s.repo.InBrief(ctx, briefID, func(tx canvas.Tx) error {
		now := s.now()
		l, err := tx.Lock(ctx)
		if err != nil {
			return err
		}
		if err := canvas.Authorize(l, lockToken, now); err != nil {
			return err
		}
		snap, err := tx.Snapshot(ctx, snapshotID)
		if err != nil {
			return err
		}
		before, err := tx.Graph(ctx)
		if err != nil {
			return err
		}
		nb, ng := canvas.Restore(tx.Brief(), snap.Graph, now)
		if err := tx.ApplyChanges(ctx, canvas.Diff(before, ng)); err != nil {
			return fmt.Errorf("write restored graph: %w", err)
		}
		if err := tx.UpdateBrief(ctx, nb); err != nil {
			return fmt.Errorf("update brief: %w", err)
		}
		brief, graph = nb, ng
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("brief_id", briefID).Str("snapshot_id", snapshotID).Msg("restore failed")
		return canvas.Brief{}, canvas.Graph{}, &canvas.RestoreError{SnapshotID: snapshotID, Err: err}
	}

	s.log.Info().Str("brief_id", briefID).Str("snapshot_id", snapshotID).Int64("revision", brief.RevisionHWM).Msg("snapshot restored")
	s.emit(ctx, notify.Event{Type: notify.CanvasRestored, BriefID: briefID, At: brief.UpdatedAt, Data: map[string]any{"snapshotId": snapshotID, "revisionHwm": brief.RevisionHWM}})
	return brief, graph, nil
}

// Publish marks the brief ready and records a publish snapshot in the same
// transaction.
func (s *Service) Publish(ctx context.Context, briefID, actor string) (canvas.SnapshotInfo, error) {
	var snap canvas.Snapshot
	err := s.repo.InBrief(ctx, briefID, func(tx canvas.Tx) error {
		b := tx.Brief()
		b.Status = canvas.StatusReady
		b.UpdatedAt = s.now()
		if err := tx.UpdateBrief(ctx, b); err != nil {
			return fmt.Errorf("update brief status: %w", err)
		}
		var err error
		snap, err = s.capture(ctx, tx, actor, canvas.ReasonPublish)
		return err
	})
	if err != nil {
		return canvas.SnapshotInfo{}, err
	}
	s.emit(ctx, notify.Event{Type: notify.BriefPublished, BriefID: briefID, At: snap.CreatedAt, Data: map[string]any{"snapshotId": snap.ID}})
	s.committed(ctx, snap)
	return snap.Info(), nil
}

// SnapshotChanged captures every brief edited since its latest snapshot. It
// returns how many snapshots were taken; per-brief failures are logged.
func (s *Service) SnapshotChanged(ctx context.Context) (int, error) {
	ids, err := s.repo.BriefsNeedingSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("list changed briefs: %w", err)
	}
	taken := 0
	for _, id := range ids {
		if _, err := s.CreateSnapshot(ctx, id, "system", canvas.ReasonScheduled); err != nil {
			s.log.Warn().Err(err).Str("brief_id", id).Msg("scheduled snapshot failed")
			continue
		}
		taken++
	}
	return taken, nil
}

func (s *Service) committed(ctx context.Context, snap canvas.Snapshot) {
	s.log.Info().Str("brief_id", snap.BriefID).Str("snapshot_id", snap.ID).Str("reason", snap.Reason).Msg("snapshot created")
	s.emit(ctx, notify.Event{Type: notify.SnapshotCreated, BriefID: snap.BriefID, At: snap.CreatedAt, Data: snap.Info()})
	if s.archiver == nil {
		return
	}
	s.uploads.Add(1)
	s.goAsync(func() {
		defer s.uploads.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.archiver.Archive(actx, snap); err != nil {
			s.log.Warn().Err(err).Str("snapshot_id", snap.ID).Msg("snapshot archive failed")
		}
	})
}

// Drain waits for archive uploads that are still running, or until ctx is
// done.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.uploads.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	if err := s.events.Emit(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("brief_id", ev.BriefID).Str("event", ev.Type).Msg("event publish failed")
	}
}
