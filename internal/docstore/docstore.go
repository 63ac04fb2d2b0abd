// Package docstore reads brief canvases and applies atomic operation
// batches to them under the edit lock.
package docstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/notify"
	"briefcanvas/api/internal/util"
)

// Indexer receives the committed text of a brief for search.
type Indexer interface {
	IndexBrief(ctx context.Context, brief canvas.Brief, g canvas.Graph) error
	RemoveBrief(ctx context.Context, briefID string) error
}

// AutosaveHints tell editors how to pace their saves.
type AutosaveHints struct {
	DebounceMs int `json:"debounceMs"`
	MaxBatch   int `json:"maxBatch"`
}

var DefaultAutosave = AutosaveHints{DebounceMs: 1200, MaxBatch: 50}

// Canvas is the full read view of one brief.
type Canvas struct {
	Brief    canvas.Brief      `json:"brief"`
	Pages    []canvas.Page     `json:"pages"`
	Blocks   []canvas.Block    `json:"blocks"`
	Lock     canvas.LockStatus `json:"lock"`
	Autosave AutosaveHints     `json:"autosave"`
}

type Service struct {
	repo   canvas.Repository
	events notify.Emitter
	index  Indexer
	log    zerolog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithEmitter(e notify.Emitter) Option { return func(s *Service) { s.events = e } }
func WithIndexer(i Indexer) Option { return func(s *Service) { s.index = i } }
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(repo canvas.Repository, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		events: notify.Nop{},
		log:    log.With().Str("component", "docstore").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) GetCanvas(ctx context.Context, briefID string) (Canvas, error) {
	brief, g, lock, err := s.repo.ReadCanvas(ctx, briefID)
	if err != nil {
		return Canvas{}, err
	}
	return s.view(brief, g, lock), nil
}

func (s *Service) view(brief canvas.Brief, g canvas.Graph, lock *canvas.EditLock) Canvas {
	g.Normalize()
	if g.Pages == nil {
		g.Pages = []canvas.Page{}
	}
	if g.Blocks == nil {
		g.Blocks = []canvas.Block{}
	}
	return Canvas{
		Brief:    brief,
		Pages:    g.Pages,
		Blocks:   g.Blocks,
		Lock:     canvas.StatusOf(lock, s.now()),
		Autosave: DefaultAutosave,
	}
}

// ApplyBatch checks lockToken and applies ops in one transaction. Created
// blocks and pages without an id get one assigned before validation.
func (s *Service) ApplyBatch(ctx context.Context, briefID, lockToken string, ops []canvas.Op) (Canvas, error) {
	ops = assignIDs(ops)

	var (
		brief canvas.Brief
		graph canvas.Graph
		lock  *canvas.EditLock
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
		before, err := tx.Graph(ctx)
		if err != nil {
			return err
		}
		nb, ng, err := canvas.Apply(tx.Brief(), before, ops, now)
		if err != nil {
			return err
		}
		if err := tx.ApplyChanges(ctx, canvas.Diff(before, ng)); err != nil {
			return fmt.Errorf("write changes: %w", err)
		}
		if err := tx.UpdateBrief(ctx, nb); err != nil {
			return fmt.Errorf("update brief: %w", err)
		}
		brief, graph, lock = nb, ng, l
		return nil
	})
	if err != nil {
		return Canvas{}, err
	}

	s.log.Debug().Str("brief_id", briefID).Int("ops", len(ops)).Int64("revision_hwm", brief.RevisionHWM).Msg("batch applied")
	s.afterCommit(ctx, notify.Event{Type: notify.CanvasUpdated, BriefID: briefID, At: brief.UpdatedAt, Data: map[string]any{"ops": len(ops), "revisionHwm": brief.RevisionHWM}}, brief, graph)
	return s.view(brief, graph, lock), nil
}

// CreateBrief starts a new brief owned by owner with a single empty page.
func (s *Service) CreateBrief(ctx context.Context, owner, title string) (Canvas, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled brief"
	}
	now := s.now()
	brief := canvas.Brief{
		ID:        util.NewID("brf"),
		OwnerID:   owner,
		Title:     title,
		Status:    canvas.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	page := canvas.Page{ID: util.NewID("pg"), BriefID: brief.ID, Title: "Page 1", Index: 0}
	if err := s.repo.CreateBrief(ctx, brief, page); err != nil {
		return Canvas{}, fmt.Errorf("create brief: %w", err)
	}
	s.log.Info().Str("brief_id", brief.ID).Str("owner", owner).Msg("brief created")
	g := canvas.Graph{Pages: []canvas.Page{page}}
	s.reindex(ctx, brief, g)
	return s.view(brief, g, nil), nil
}

// ArchiveBrief hides a brief from reads. It is a mutation and needs the lock,
// which is cleared as part of the same transaction.
func (s *Service) ArchiveBrief(ctx context.Context, briefID, lockToken string) error {
	var archivedAt time.Time
	err := s.repo.InBrief(ctx, briefID, func(tx canvas.Tx) error {
		now := s.now()
		l, err := tx.Lock(ctx)
		if err != nil {
			return err
		}
		if err := canvas.Authorize(l, lockToken, now); err != nil {
			return err
		}
		b := tx.Brief()
		b.ArchivedAt = &now
		b.UpdatedAt = now
		if err := tx.UpdateBrief(ctx, b); err != nil {
			return fmt.Errorf("archive brief: %w", err)
		}
		archivedAt = now
		return tx.ClearLock(ctx)
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("brief_id", briefID).Msg("brief archived")
	s.emit(ctx, notify.Event{Type: notify.BriefArchived, BriefID: briefID, At: archivedAt})
	if s.index != nil {
		if err := s.index.RemoveBrief(ctx, briefID); err != nil {
			s.log.Warn().Err(err).Str("brief_id", briefID).Msg("search removal failed")
		}
	}
	return nil
}

func (s *Service) afterCommit(ctx context.Context, ev notify.Event, brief canvas.Brief, g canvas.Graph) {
	s.emit(ctx, ev)
	s.reindex(ctx, brief, g)
}

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	if err := s.events.Emit(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("brief_id", ev.BriefID).Str("event", ev.Type).Msg("event publish failed")
	}
}

func (s *Service) reindex(ctx context.Context, brief canvas.Brief, g canvas.Graph) {
	if s.index == nil {
		return
	}
	if err := s.index.IndexBrief(ctx, brief, g); err != nil {
		s.log.Warn().Err(err).Str("brief_id", brief.ID).Msg("search index failed")
	}
}

func assignIDs(ops []canvas.Op) []canvas.Op {
	out := make([]canvas.Op, len(ops))
	for i, op := range ops {
		switch {
		case (op.Type == canvas.OpCreateBlock || op.Type == canvas.OpUpsertBlock) && op.Block != nil && op.Block.ID == "":
			b := *op.Block
			b.ID = util.NewID("blk")
			op.Block = &b
		case op.Type == canvas.OpUpsertPage && op.Page != nil && op.Page.ID == "":
			p := *op.Page
			p.ID = util.NewID("pg")
			op.Page = &p
		}
		out[i] = op
	}
	return out
}
