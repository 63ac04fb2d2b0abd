package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/rbac"
	"briefcanvas/api/internal/search"
	"briefcanvas/api/internal/snapshot"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log.With().Str("component", "http").Logger()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.routes())
}

func (s *HTTPServer) routes() *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api.HandleFunc("/search", s.authed(s.handleSearch)).Methods(http.MethodGet)

	api.HandleFunc("/briefs", s.authed(s.handleCreateBrief)).Methods(http.MethodPost)
	api.HandleFunc("/briefs/{id}", s.brief(rbac.ActionAdmin, s.handleArchiveBrief)).Methods(http.MethodDelete)
	api.HandleFunc("/briefs/{id}/canvas", s.brief(rbac.ActionRead, s.handleGetCanvas)).Methods(http.MethodGet)
	api.HandleFunc("/briefs/{id}/canvas", s.brief(rbac.ActionWrite, s.handleApplyBatch)).Methods(http.MethodPatch)
	api.HandleFunc("/briefs/{id}/events", s.brief(rbac.ActionRead, s.handleRecentEvents)).Methods(http.MethodGet)

	api.HandleFunc("/briefs/{id}/lock", s.brief(rbac.ActionWrite, s.handleAcquireLock)).Methods(http.MethodPost)
	api.HandleFunc("/briefs/{id}/lock", s.brief(rbac.ActionRead, s.handleLockStatus)).Methods(http.MethodGet)
	api.HandleFunc("/briefs/{id}/lock", s.brief(rbac.ActionWrite, s.handleReleaseLock)).Methods(http.MethodDelete)
	api.HandleFunc("/briefs/{id}/lock/heartbeat", s.brief(rbac.ActionWrite, s.handleHeartbeat)).Methods(http.MethodPost)

	api.HandleFunc("/briefs/{id}/snapshots", s.brief(rbac.ActionWrite, s.handleCreateSnapshot)).Methods(http.MethodPost)
	api.HandleFunc("/briefs/{id}/snapshots", s.brief(rbac.ActionRead, s.handleListSnapshots)).Methods(http.MethodGet)
	api.HandleFunc("/briefs/{id}/snapshots/{sid}/restore", s.brief(rbac.ActionWrite, s.handleRestoreSnapshot)).Methods(http.MethodPost)
	api.HandleFunc("/briefs/{id}/publish", s.brief(rbac.ActionWrite, s.handlePublish)).Methods(http.MethodPost)

	api.HandleFunc("/briefs/{id}/members", s.brief(rbac.ActionRead, s.handleListMembers)).Methods(http.MethodGet)
	api.HandleFunc("/briefs/{id}/members/{userId}", s.brief(rbac.ActionAdmin, s.handleShareBrief)).Methods(http.MethodPut)
	api.HandleFunc("/briefs/{id}/members/{userId}", s.brief(rbac.ActionAdmin, s.handleUnshareBrief)).Methods(http.MethodDelete)
	return router
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

// brief guards a /briefs/{id} route: the session must hold a role on the
// brief that allows action.
func (s *HTTPServer) brief(action rbac.Action, next sessionHandler) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, session Session) {
		if err := s.service.Authorize(r.Context(), session, mux.Vars(r)["id"], action); err != nil {
			s.fail(w, r, err)
			return
		}
		next(w, r, session)
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return Session{}, false
	}
	return session, true
}

// fail writes the mapped error; only unexpected failures are logged.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := mapError(err)
	if mapped.Status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, mapped.Status, mapped.Code, mapped.Message, mapped.Details)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.service.Ready(ctx)
	status, statusCode := "ready", http.StatusOK
	if !ok {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ok,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateBrief(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.docs.CreateBrief(r.Context(), session.UserID, body.Title)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleGetCanvas(w http.ResponseWriter, r *http.Request, _ Session) {
	view, err := s.service.docs.GetCanvas(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleApplyBatch(w http.ResponseWriter, r *http.Request, _ Session) {
	var body struct {
		Ops       []canvas.Op `json:"ops"`
		LockToken string      `json:"lockToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.docs.ApplyBatch(r.Context(), mux.Vars(r)["id"], lockToken(r, body.LockToken), body.Ops)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleArchiveBrief(w http.ResponseWriter, r *http.Request, _ Session) {
	var body struct {
		LockToken string `json:"lockToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.docs.ArchiveBrief(r.Context(), mux.Vars(r)["id"], lockToken(r, body.LockToken)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRecentEvents(w http.ResponseWriter, r *http.Request, _ Session) {
	limit := queryInt(r, "limit", 20)
	events, err := s.service.RecentEvents(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (s *HTTPServer) handleAcquireLock(w http.ResponseWriter, r *http.Request, session Session) {
	grant, err := s.service.locks.Acquire(r.Context(), mux.Vars(r)["id"], session.UserID, session.DisplayName())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"lockToken":  grant.Token,
		"holder":     grant.Holder,
		"holderName": grant.HolderName,
		"expiresAt":  grant.ExpiresAt,
		"ttlSeconds": int(s.service.locks.TTL() / time.Second),
	})
}

func (s *HTTPServer) handleLockStatus(w http.ResponseWriter, r *http.Request, _ Session) {
	status, err := s.service.locks.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request, _ Session) {
	var body struct {
		LockToken string `json:"lockToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	expiresAt, err := s.service.locks.Heartbeat(r.Context(), mux.Vars(r)["id"], lockToken(r, body.LockToken))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expiresAt": expiresAt})
}

func (s *HTTPServer) handleReleaseLock(w http.ResponseWriter, r *http.Request, _ Session) {
	var body struct {
		LockToken string `json:"lockToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.locks.Release(r.Context(), mux.Vars(r)["id"], lockToken(r, body.LockToken)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCreateSnapshot(w http.ResponseWriter, r *http.Request, session Session) {
	info, err := s.service.snaps.CreateSnapshot(r.Context(), mux.Vars(r)["id"], session.UserID, canvas.ReasonManual)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *HTTPServer) handleListSnapshots(w http.ResponseWriter, r *http.Request, _ Session) {
	listing, err := s.service.snaps.ListSnapshots(r.Context(), mux.Vars(r)["id"],
		queryInt(r, "page", 1),
		queryInt(r, "pageSize", snapshot.DefaultPageSize),
	)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *HTTPServer) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request, _ Session) {
	var body struct {
		LockToken string `json:"lockToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	view, err := s.service.RestoreSnapshot(r.Context(), vars["id"], vars["sid"], lockToken(r, body.LockToken))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request, session Session) {
	info, err := s.service.snaps.Publish(r.Context(), mux.Vars(r)["id"], session.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": canvas.StatusReady, "snapshot": info})
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request, _ Session) {
	members, err := s.service.ListMembers(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": members})
}

func (s *HTTPServer) handleShareBrief(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Role rbac.Role `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	member, err := s.service.ShareBrief(r.Context(), session, vars["id"], vars["userId"], body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *HTTPServer) handleUnshareBrief(w http.ResponseWriter, r *http.Request, _ Session) {
	vars := mux.Vars(r)
	if err := s.service.UnshareBrief(r.Context(), vars["id"], vars["userId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(search.Query{
		Text:         q,
		Reader:       session.UserID,
		FilterOwner:  r.URL.Query().Get("owner"),
		FilterStatus: r.URL.Query().Get("status"),
		Limit:        queryInt(r, "limit", 20),
		Offset:       queryInt(r, "offset", 0),
	}))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Lock-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// lockToken prefers the body field and falls back to the X-Lock-Token
// header, which is what DELETE callers without a body use.
func lockToken(r *http.Request, fromBody string) string {
	if t := strings.TrimSpace(fromBody); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get("X-Lock-Token"))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
