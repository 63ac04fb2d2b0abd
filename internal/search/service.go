package search

import (
	"context"

	"github.com/rs/zerolog"

	"briefcanvas/api/internal/canvas"
)

// Index is a search engine that keeps its own copy of brief records.
type Index interface {
	Searcher
	IndexBrief(rec BriefRecord) error
	IndexBriefs(recs []BriefRecord) error
	DeleteBrief(id string) error
}

// Fallback answers searches from the primary database.
type Fallback interface {
	Searcher
	StoreText(ctx context.Context, briefID, text string) error
	LoadAllRecords(ctx context.Context) ([]BriefRecord, error)
}

// MemberLister reports who a brief is shared with.
type MemberLister interface {
	ListMembers(ctx context.Context, briefID string) ([]canvas.Member, error)
}

type Option func(*Service)

// WithMembers adds every member of a brief to its indexed readers.
func WithMembers(m MemberLister) Option {
	return func(s *Service) { s.members = m }
}

// Service is the facade that tries the index first and falls back to the
// database. Either side may be nil.
type Service struct {
	index    Index
	fallback Fallback
	members  MemberLister
	log      zerolog.Logger
	// goAsync runs index writes off the request path.
	goAsync func(func())
}

// NewService creates a search service. Pass an untyped nil for a backend
// that is not configured.
func NewService(index Index, fallback Fallback, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		index:    index,
		fallback: fallback,
		log:      log.With().Str("component", "search").Logger(),
		goAsync:  func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search tries the index if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("index search failed, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexBrief stores the brief's text for the database fallback and pushes
// the record to the index (fire-and-forget).
func (s *Service) IndexBrief(ctx context.Context, brief canvas.Brief, g canvas.Graph) error {
	rec := RecordFor(brief, g)
	if s.members != nil {
		members, err := s.members.ListMembers(ctx, brief.ID)
		if err != nil {
			return err
		}
		for _, m := range members {
			rec.Readers = append(rec.Readers, m.UserID)
		}
	}
	if s.fallback != nil {
		if err := s.fallback.StoreText(ctx, rec.ID, rec.Text); err != nil {
			return err
		}
	}
	if s.index == nil || !s.index.Healthy() {
		return nil
	}
	s.goAsync(func() {
		if err := s.index.IndexBrief(rec); err != nil {
			s.log.Warn().Err(err).Str("brief_id", rec.ID).Msg("index brief")
		}
	})
	return nil
}

// RemoveBrief drops a brief from the index. Archived briefs are already
// excluded from the database fallback.
func (s *Service) RemoveBrief(_ context.Context, briefID string) error {
	if s.index == nil || !s.index.Healthy() {
		return nil
	}
	s.goAsync(func() {
		if err := s.index.DeleteBrief(briefID); err != nil {
			s.log.Warn().Err(err).Str("brief_id", briefID).Msg("delete brief from index")
		}
	})
	return nil
}

// ReindexAllFromPG pushes every active brief from PostgreSQL into the index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.index.IndexBriefs(records); err != nil {
		s.log.Error().Err(err).Int("briefs", len(records)).Msg("reindex failed")
		return
	}
	s.log.Info().Int("briefs", len(records)).Msg("search reindexed")
}
