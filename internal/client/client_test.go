package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefcanvas/api/internal/app"
	"briefcanvas/api/internal/auth"
	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/config"
	"briefcanvas/api/internal/docstore"
	"briefcanvas/api/internal/draft"
	"briefcanvas/api/internal/editlock"
	"briefcanvas/api/internal/geometry"
	"briefcanvas/api/internal/rbac"
	"briefcanvas/api/internal/snapshot"
	"briefcanvas/api/internal/store"
)

const secret = "client-test-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo := store.NewMemoryStore()
	log := zerolog.Nop()
	svc := app.New(config.Config{TokenSecret: secret}, repo, app.Components{
		Docs:      docstore.New(repo, log),
		Locks:     editlock.New(repo, log),
		Snapshots: snapshot.New(repo, log),
	}, log)
	srv := httptest.NewServer(app.NewHTTPServer(svc, "*", log).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, sub, name string) *Client {
	t.Helper()
	token, err := auth.IssueToken([]byte(secret), auth.Claims{Sub: sub, Name: name, JTI: "jti-" + sub, Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	return New(srv.URL+"/", token, WithHTTPClient(srv.Client()))
}

func TestLockContention(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	alice := newClient(t, srv, "u_alice", "Alice")
	bob := newClient(t, srv, "u_bob", "Bob")

	view, err := alice.CreateBrief(ctx, "Launch")
	require.NoError(t, err)
	briefID := view.Brief.ID
	_, err = alice.ShareBrief(ctx, briefID, "u_bob", rbac.RoleEditor)
	require.NoError(t, err)

	grant, err := alice.AcquireLock(ctx, briefID)
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Token)
	assert.Equal(t, "u_alice", grant.Holder)
	assert.Equal(t, "Alice", grant.HolderName)

	_, err = bob.AcquireLock(ctx, briefID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, canvas.ErrLockHeld))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.Status)
	assert.InDelta(t, 30, apiErr.RemainingSeconds(), 1)

	status, err := bob.LockStatus(ctx, briefID)
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, "u_alice", status.Holder)
	assert.Equal(t, "Alice", status.HolderName)

	require.NoError(t, alice.ReleaseLock(ctx, briefID, grant.Token))
	_, err = bob.AcquireLock(ctx, briefID)
	assert.NoError(t, err)
}

func TestSharingThroughClient(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	alice := newClient(t, srv, "u_alice", "Alice")
	bob := newClient(t, srv, "u_bob", "Bob")

	view, err := alice.CreateBrief(ctx, "Launch")
	require.NoError(t, err)
	briefID := view.Brief.ID

	_, err = bob.GetCanvas(ctx, briefID)
	assert.True(t, errors.Is(err, canvas.ErrBriefNotFound), "got %v", err)

	member, err := alice.ShareBrief(ctx, briefID, "u_bob", rbac.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleViewer, member.Role)

	_, err = bob.GetCanvas(ctx, briefID)
	require.NoError(t, err)
	_, err = bob.AcquireLock(ctx, briefID)
	assert.True(t, errors.Is(err, canvas.ErrForbidden), "got %v", err)

	members, err := bob.ListMembers(ctx, briefID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u_bob", members[0].UserID)

	require.NoError(t, alice.UnshareBrief(ctx, briefID, "u_bob"))
	_, err = bob.ListMembers(ctx, briefID)
	assert.True(t, errors.Is(err, canvas.ErrBriefNotFound), "got %v", err)
}

func TestUnknownBriefMapsToSentinel(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "u_alice", "Alice")

	_, err := c.GetCanvas(context.Background(), "brf_missing")
	assert.True(t, errors.Is(err, canvas.ErrBriefNotFound), "got %v", err)
}

func TestSaverDrivesCoordinator(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c := newClient(t, srv, "u_alice", "Alice")

	view, err := c.CreateBrief(ctx, "Launch")
	require.NoError(t, err)
	briefID, pageID := view.Brief.ID, view.Pages[0].ID
	grant, err := c.AcquireLock(ctx, briefID)
	require.NoError(t, err)

	saver := NewSaver(c, func() string { return grant.Token })
	saver.Seed(view)
	coord := draft.New(briefID, openCache(t), saver, draft.Options{Delay: time.Hour})
	defer coord.Close()

	a := canvas.Block{ID: "blk_a", PageID: pageID, Type: canvas.BlockText, Rect: geometry.Rect{X: 0, Y: 0, W: 100, H: 40}, Content: json.RawMessage(`{"text": "a"}`)}
	b := canvas.Block{ID: "blk_b", PageID: pageID, Type: canvas.BlockShape, Rect: geometry.Rect{X: 0, Y: 60, W: 50, H: 50}}
	coord.Change(draft.Content{Blocks: []canvas.Block{a, b}, Notes: "first"})
	require.NoError(t, coord.SaveNow(ctx))

	got, err := c.GetCanvas(ctx, briefID)
	require.NoError(t, err)
	require.Len(t, got.Blocks, 2)
	assert.Equal(t, "first", got.Brief.Notes)
	revisions := map[string]int64{}
	for _, blk := range got.Blocks {
		revisions[blk.ID] = blk.Revision
	}
	assert.Equal(t, map[string]int64{"blk_a": 1, "blk_b": 1}, revisions)

	// a's content differs from the server copy only in whitespace
	assert.Empty(t, saver.Ops(draft.Content{Blocks: []canvas.Block{a, got.Blocks[1]}, Notes: "first"}))

	b.Rect.X = 30
	assert.Equal(t, []canvas.OpType{canvas.OpDeleteBlock, canvas.OpUpsertBlock}, opTypes(saver.Ops(draft.Content{Blocks: []canvas.Block{b}, Notes: "first"})))

	coord.Change(draft.Content{Blocks: []canvas.Block{b}, Notes: "second"})
	require.NoError(t, coord.SaveNow(ctx))

	got, err = c.GetCanvas(ctx, briefID)
	require.NoError(t, err)
	require.Len(t, got.Blocks, 1)
	assert.Equal(t, "blk_b", got.Blocks[0].ID)
	assert.Equal(t, int64(2), got.Blocks[0].Revision)
	assert.Equal(t, 30.0, got.Blocks[0].Rect.X)
	assert.Equal(t, "second", got.Brief.Notes)
	assert.Equal(t, draft.Clean, coord.Status().State)
}

func TestSaverFailureKeepsDraftLocally(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c := newClient(t, srv, "u_alice", "Alice")

	view, err := c.CreateBrief(ctx, "Launch")
	require.NoError(t, err)

	// never acquired: the server answers LOCK_REQUIRED
	saver := NewSaver(c, func() string { return "" })
	saver.Seed(view)
	coord := draft.New(view.Brief.ID, openCache(t), saver, draft.Options{Delay: time.Hour})
	defer coord.Close()

	coord.Change(draft.Content{Notes: "unsaved"})
	err = coord.SaveNow(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, draft.ErrSaveFailed))
	assert.True(t, errors.Is(err, canvas.ErrLockRequired))

	st := coord.Status()
	assert.Equal(t, draft.Dirty, st.State)
	assert.True(t, st.SavedLocally)

	d, ok, err := coord.CheckDraft(ctx, view.Brief.UpdatedAt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "unsaved", d.Content.Notes)
}

func TestSnapshotsThroughClient(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c := newClient(t, srv, "u_alice", "Alice")

	view, err := c.CreateBrief(ctx, "Launch")
	require.NoError(t, err)
	briefID, pageID := view.Brief.ID, view.Pages[0].ID
	grant, err := c.AcquireLock(ctx, briefID)
	require.NoError(t, err)

	blk := canvas.Block{ID: "blk_1", PageID: pageID, Type: canvas.BlockText, Rect: geometry.Rect{W: 10, H: 10}}
	_, err = c.ApplyBatch(ctx, briefID, grant.Token, []canvas.Op{{Type: canvas.OpCreateBlock, Block: &blk}})
	require.NoError(t, err)

	info, err := c.CreateSnapshot(ctx, briefID)
	require.NoError(t, err)

	_, err = c.ApplyBatch(ctx, briefID, grant.Token, []canvas.Op{{Type: canvas.OpDeleteBlock, BlockID: "blk_1"}})
	require.NoError(t, err)

	listing, err := c.ListSnapshots(ctx, briefID, 1, 10)
	require.NoError(t, err)
	require.Len(t, listing.Items, 1)
	assert.Equal(t, info.ID, listing.Items[0].ID)

	restored, err := c.RestoreSnapshot(ctx, briefID, info.ID, grant.Token)
	require.NoError(t, err)
	require.Len(t, restored.Blocks, 1)
	assert.Equal(t, int64(2), restored.Blocks[0].Revision)

	_, err = c.RestoreSnapshot(ctx, briefID, "snap_missing", grant.Token)
	assert.True(t, errors.Is(err, canvas.ErrSnapshotNotFound))

	published, err := c.Publish(ctx, briefID)
	require.NoError(t, err)
	assert.Equal(t, canvas.ReasonPublish, published.Reason)

	require.NoError(t, c.ArchiveBrief(ctx, briefID, grant.Token))
	_, err = c.GetCanvas(ctx, briefID)
	assert.True(t, errors.Is(err, canvas.ErrBriefNotFound))
}

func TestKeepAliveStopsWhenLockLost(t *testing.T) {
	srv := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := newClient(t, srv, "u_alice", "Alice")

	view, err := c.CreateBrief(ctx, "Launch")
	require.NoError(t, err)
	grant, err := c.AcquireLock(ctx, view.Brief.ID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.KeepAlive(ctx, view.Brief.ID, grant.Token, 10*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	status, err := c.LockStatus(ctx, view.Brief.ID)
	require.NoError(t, err)
	assert.True(t, status.Locked)

	require.NoError(t, c.ReleaseLock(ctx, view.Brief.ID, grant.Token))
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, canvas.ErrLockExpired), "got %v", err)
	case <-ctx.Done():
		t.Fatal("KeepAlive did not return after the lock was released")
	}
}

func TestKeepAliveHonorsContext(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "u_alice", "Alice")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.KeepAlive(ctx, "brf_1", "lock_x", time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func openCache(t *testing.T) *draft.SQLiteCache {
	t.Helper()
	cache, err := draft.OpenSQLiteCache(filepath.Join(t.TempDir(), "drafts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func opTypes(ops []canvas.Op) []canvas.OpType {
	out := make([]canvas.OpType, len(ops))
	for i, op := range ops {
		out[i] = op.Type
	}
	return out
}
