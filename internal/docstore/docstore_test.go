package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefcanvas/api/internal/auth"
	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/geometry"
	"briefcanvas/api/internal/notify"
	"briefcanvas/api/internal/store"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type fakeIndexer struct {
	indexed map[string]canvas.Graph
	removed []string
	err     error
}

func (f *fakeIndexer) IndexBrief(_ context.Context, b canvas.Brief, g canvas.Graph) error {
	if f.indexed == nil {
		f.indexed = map[string]canvas.Graph{}
	}
	f.indexed[b.ID] = g
	return f.err
}

func (f *fakeIndexer) RemoveBrief(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return f.err
}

type fixture struct {
	svc     *Service
	repo    *store.MemoryStore
	events  *notify.Recorder
	index   *fakeIndexer
	briefID string
	pageID  string
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{repo: store.NewMemoryStore(), events: &notify.Recorder{}, index: &fakeIndexer{}, now: t0}
	f.svc = New(f.repo, zerolog.Nop(), WithEmitter(f.events), WithIndexer(f.index), WithClock(func() time.Time { return f.now }))

	view, err := f.svc.CreateBrief(context.Background(), "u_1", "Launch")
	require.NoError(t, err)
	f.briefID, f.pageID = view.Brief.ID, view.Pages[0].ID
	return f
}

// lock writes a live lock row for token directly.
func (f *fixture) lock(t *testing.T, token string) {
	t.Helper()
	err := f.repo.InBrief(context.Background(), f.briefID, func(tx canvas.Tx) error {
		return tx.PutLock(context.Background(), canvas.EditLock{
			BriefID:    f.briefID,
			Holder:     "avery",
			TokenHash:  auth.HashToken(token),
			AcquiredAt: f.now,
			ExpiresAt:  f.now.Add(30 * time.Second),
		})
	})
	require.NoError(t, err)
}

func createOp(id, pageID string) canvas.Op {
	return canvas.Op{Type: canvas.OpCreateBlock, Block: &canvas.Block{
		ID: id, PageID: pageID, Type: canvas.BlockText,
		Rect:    geometry.Rect{X: 1, Y: 2, W: 30, H: 10},
		Content: json.RawMessage(`{"text":"quarterly numbers"}`),
	}}
}

func TestCreateBriefStartsWithOnePage(t *testing.T) {
	f := newFixture(t)

	view, err := f.svc.GetCanvas(context.Background(), f.briefID)
	require.NoError(t, err)
	assert.Equal(t, "Launch", view.Brief.Title)
	assert.Equal(t, canvas.StatusDraft, view.Brief.Status)
	require.Len(t, view.Pages, 1)
	assert.Equal(t, "Page 1", view.Pages[0].Title)
	assert.NotNil(t, view.Blocks)
	assert.Empty(t, view.Blocks)
	assert.False(t, view.Lock.Locked)
	assert.Equal(t, DefaultAutosave, view.Autosave)
	assert.Contains(t, f.index.indexed, f.briefID)
}

func TestApplyBatchRequiresLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApplyBatch(ctx, f.briefID, "tok", []canvas.Op{createOp("blk_1", f.pageID)})
	assert.ErrorIs(t, err, canvas.ErrLockRequired)

	f.lock(t, "tok")
	_, err = f.svc.ApplyBatch(ctx, f.briefID, "other", []canvas.Op{createOp("blk_1", f.pageID)})
	assert.ErrorIs(t, err, canvas.ErrLockMismatch)

	f.now = f.now.Add(31 * time.Second)
	_, err = f.svc.ApplyBatch(ctx, f.briefID, "tok", []canvas.Op{createOp("blk_1", f.pageID)})
	assert.ErrorIs(t, err, canvas.ErrLockExpired)

	view, err := f.svc.GetCanvas(ctx, f.briefID)
	require.NoError(t, err)
	assert.Empty(t, view.Blocks)
	assert.Empty(t, f.events.Types())
}

func TestApplyBatchCommitsAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lock(t, "tok")

	view, err := f.svc.ApplyBatch(ctx, f.briefID, "tok", []canvas.Op{
		createOp("blk_1", f.pageID),
		{Type: canvas.OpCreateBlock, Block: &canvas.Block{PageID: f.pageID, Type: canvas.BlockDivider, Rect: geometry.Rect{W: 100, H: 1}}},
	})
	require.NoError(t, err)
	require.Len(t, view.Blocks, 2)
	for _, b := range view.Blocks {
		assert.NotEmpty(t, b.ID)
		assert.Equal(t, int64(1), b.Revision)
	}
	assert.Equal(t, int64(1), view.Brief.RevisionHWM)
	assert.True(t, view.Lock.Locked)

	assert.Equal(t, []string{notify.CanvasUpdated}, f.events.Types())
	assert.Len(t, f.index.indexed[f.briefID].Blocks, 2)

	_, g, _, err := f.repo.ReadCanvas(ctx, f.briefID)
	require.NoError(t, err)
	assert.Len(t, g.Blocks, 2)
}

func TestApplyBatchValidationIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lock(t, "tok")

	_, err := f.svc.ApplyBatch(ctx, f.briefID, "tok", []canvas.Op{
		createOp("blk_1", f.pageID),
		{Type: canvas.OpMoveBlock, BlockID: "blk_missing"},
	})
	var verr *canvas.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 1, verr.Op)

	view, err := f.svc.GetCanvas(ctx, f.briefID)
	require.NoError(t, err)
	assert.Empty(t, view.Blocks)
	assert.Zero(t, view.Brief.RevisionHWM)
}

func TestIndexFailureDoesNotFailBatch(t *testing.T) {
	f := newFixture(t)
	f.index.err = errors.New("search down")
	f.lock(t, "tok")

	_, err := f.svc.ApplyBatch(context.Background(), f.briefID, "tok", []canvas.Op{createOp("blk_1", f.pageID)})
	assert.NoError(t, err)
}

func TestArchiveBrief(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.ArchiveBrief(ctx, f.briefID, "tok"), canvas.ErrLockRequired)

	f.lock(t, "tok")
	require.NoError(t, f.svc.ArchiveBrief(ctx, f.briefID, "tok"))

	_, err := f.svc.GetCanvas(ctx, f.briefID)
	assert.ErrorIs(t, err, canvas.ErrBriefNotFound)
	assert.Equal(t, []string{f.briefID}, f.index.removed)
	assert.Equal(t, []string{notify.BriefArchived}, f.events.Types())
}

func TestGetCanvasUnknownBrief(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetCanvas(context.Background(), "brf_missing")
	assert.ErrorIs(t, err, canvas.ErrBriefNotFound)
}
