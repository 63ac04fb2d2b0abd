package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"briefcanvas/api/internal/auth"
	"briefcanvas/api/internal/config"
	"briefcanvas/api/internal/docstore"
	"briefcanvas/api/internal/editlock"
	"briefcanvas/api/internal/notify"
	"briefcanvas/api/internal/snapshot"
	"briefcanvas/api/internal/store"
)

const testSecret = "test-secret"

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	server *HTTPServer
	repo   *store.MemoryStore
	events *notify.Recorder
	clock  *testClock
	pings  map[string]Pinger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := store.NewMemoryStore()
	events := &notify.Recorder{}
	clock := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	log := zerolog.Nop()

	env := &testEnv{repo: repo, events: events, clock: clock, pings: map[string]Pinger{}}
	svc := New(config.Config{TokenSecret: testSecret}, repo, Components{
		Docs:      docstore.New(repo, log, docstore.WithEmitter(events), docstore.WithClock(clock.Now)),
		Locks:     editlock.New(repo, log, editlock.WithEmitter(events), editlock.WithClock(clock.Now)),
		Snapshots: snapshot.New(repo, log, snapshot.WithEmitter(events), snapshot.WithClock(clock.Now)),
		Checks:    env.pings,
	}, log)
	env.server = NewHTTPServer(svc, "*", log)
	return env
}

func bearer(t *testing.T, sub, name string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:  sub,
		Name: name,
		JTI:  "jti-" + sub,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
}

func expectCode(t *testing.T, rr *httptest.ResponseRecorder, wantStatus int, wantCode string) map[string]any {
	t.Helper()
	expectStatus(t, rr, wantStatus)
	var payload map[string]any
	decode(t, rr, &payload)
	if payload["code"] != wantCode {
		t.Fatalf("expected code %s, got %v", wantCode, payload["code"])
	}
	return payload
}

// createBrief returns the new brief id and its first page id.
func (e *testEnv) createBrief(t *testing.T, token, title string) (string, string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/briefs", token, map[string]any{"title": title})
	expectStatus(t, rr, http.StatusCreated)
	var view docstore.Canvas
	decode(t, rr, &view)
	if len(view.Pages) != 1 {
		t.Fatalf("expected one page, got %d", len(view.Pages))
	}
	return view.Brief.ID, view.Pages[0].ID
}

func (e *testEnv) acquire(t *testing.T, token, briefID string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/briefs/"+briefID+"/lock", token, nil)
	expectStatus(t, rr, http.StatusCreated)
	var grant struct {
		LockToken string `json:"lockToken"`
	}
	decode(t, rr, &grant)
	if grant.LockToken == "" {
		t.Fatalf("expected lockToken")
	}
	return grant.LockToken
}

// share grants userID a role on the brief as its owner.
func (e *testEnv) share(t *testing.T, ownerToken, briefID, userID, role string) {
	t.Helper()
	rr := e.do(t, http.MethodPut, "/api/briefs/"+briefID+"/members/"+userID, ownerToken, map[string]any{"role": role})
	expectStatus(t, rr, http.StatusOK)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func httptestRequest(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(e *testEnv, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}
