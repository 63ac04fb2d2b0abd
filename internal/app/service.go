package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"briefcanvas/api/internal/auth"
	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/config"
	"briefcanvas/api/internal/docstore"
	"briefcanvas/api/internal/editlock"
	"briefcanvas/api/internal/notify"
	"briefcanvas/api/internal/rbac"
	"briefcanvas/api/internal/search"
	"briefcanvas/api/internal/snapshot"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

// DisplayName is shown to other editors while this session holds a brief's
// edit lock.
func (s Session) DisplayName() string {
	if s.UserName != "" {
		return s.UserName
	}
	return s.UserID
}

// Pinger is a dependency reported by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RecentEvents lists the last events emitted for a brief, newest first.
type RecentEvents interface {
	Recent(ctx context.Context, briefID string, n int) ([]notify.Event, error)
}

// Components are the domain services the HTTP layer drives. Search, Events
// and Checks are optional.
type Components struct {
	Docs      *docstore.Service
	Locks     *editlock.Manager
	Snapshots *snapshot.Service
	Search    *search.Service
	Events    RecentEvents
	Checks    map[string]Pinger
}

type Service struct {
	cfg    config.Config
	repo   canvas.Repository
	docs   *docstore.Service
	locks  *editlock.Manager
	snaps  *snapshot.Service
	srch   *search.Service
	recent RecentEvents
	checks map[string]Pinger
	log    zerolog.Logger
}

func New(cfg config.Config, repo canvas.Repository, c Components, log zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		repo:   repo,
		docs:   c.Docs,
		locks:  c.Locks,
		snaps:  c.Snapshots,
		srch:   c.Search,
		recent: c.Events,
		checks: c.Checks,
		log:    log.With().Str("component", "api").Logger(),
	}
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Ready pings the store and every optional dependency. The store decides
// readiness; the others are reported but never fail the check.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{"database": map[string]any{"status": "ok"}}
	ok := true
	if err := s.Ping(ctx); err != nil {
		ok = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			checks[name] = map[string]any{"status": "degraded", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return ok, checks
}

// RestoreSnapshot restores and returns the fresh canvas view. The search
// index is refreshed best-effort.
func (s *Service) RestoreSnapshot(ctx context.Context, briefID, snapshotID, lockToken string) (docstore.Canvas, error) {
	brief, g, err := s.snaps.RestoreSnapshot(ctx, briefID, snapshotID, lockToken)
	if err != nil {
		return docstore.Canvas{}, err
	}
	if s.srch != nil {
		if err := s.srch.IndexBrief(ctx, brief, g); err != nil {
			s.log.Warn().Err(err).Str("brief_id", briefID).Msg("search index after restore failed")
		}
	}
	return s.docs.GetCanvas(ctx, briefID)
}

// Authorize checks the session's role on briefID. Users with no role at
// all get ErrBriefNotFound, the same answer as for a brief that does not
// exist.
func (s *Service) Authorize(ctx context.Context, session Session, briefID string, action rbac.Action) error {
	role, err := s.repo.Role(ctx, briefID, session.UserID)
	if err != nil {
		return err
	}
	if role == "" {
		return canvas.ErrBriefNotFound
	}
	if !rbac.Can(role, action) {
		return canvas.ErrForbidden
	}
	return nil
}

func (s *Service) ListMembers(ctx context.Context, briefID string) ([]canvas.Member, error) {
	return s.repo.ListMembers(ctx, briefID)
}

// ShareBrief grants userID a viewer or editor role on the brief, replacing
// any role it had.
func (s *Service) ShareBrief(ctx context.Context, session Session, briefID, userID string, role rbac.Role) (canvas.Member, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return canvas.Member{}, fmt.Errorf("%w: userId is required", canvas.ErrValidationFailed)
	}
	if !rbac.Grantable(role) {
		return canvas.Member{}, fmt.Errorf("%w: role must be viewer or editor", canvas.ErrValidationFailed)
	}
	current, err := s.repo.Role(ctx, briefID, userID)
	if err != nil {
		return canvas.Member{}, err
	}
	if current == rbac.RoleOwner {
		return canvas.Member{}, fmt.Errorf("%w: the owner cannot be shared with", canvas.ErrValidationFailed)
	}

	m := canvas.Member{BriefID: briefID, UserID: userID, Role: role, AddedBy: session.UserID, AddedAt: time.Now().UTC()}
	if err := s.repo.PutMember(ctx, m); err != nil {
		return canvas.Member{}, err
	}
	s.reindex(ctx, briefID)
	return m, nil
}

func (s *Service) UnshareBrief(ctx context.Context, briefID, userID string) error {
	if err := s.repo.DeleteMember(ctx, briefID, userID); err != nil {
		return err
	}
	s.reindex(ctx, briefID)
	return nil
}

// reindex refreshes the brief's readers in the search index.
func (s *Service) reindex(ctx context.Context, briefID string) {
	if s.srch == nil {
		return
	}
	brief, g, _, err := s.repo.ReadCanvas(ctx, briefID)
	if err == nil {
		err = s.srch.IndexBrief(ctx, brief, g)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("brief_id", briefID).Msg("search index after sharing change failed")
	}
}

func (s *Service) Search(q search.Query) search.Response {
	if s.srch == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.srch.Search(q)
}

// RecentEvents returns an empty list when no event store is configured.
func (s *Service) RecentEvents(ctx context.Context, briefID string, n int) ([]notify.Event, error) {
	if _, err := s.locks.Status(ctx, briefID); err != nil {
		return nil, err
	}
	if s.recent == nil {
		return []notify.Event{}, nil
	}
	events, err := s.recent.Recent(ctx, briefID, n)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []notify.Event{}
	}
	return events, nil
}
