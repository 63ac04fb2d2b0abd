package search

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/geometry"
)

func TestRecordForFlattensPagesAndContent(t *testing.T) {
	brief := canvas.Brief{ID: "brf_1", OwnerID: "u_1", Title: "Q3 launch", Notes: "call legal", Status: canvas.StatusDraft, UpdatedAt: time.Unix(1700000000, 0)}
	g := canvas.Graph{
		Pages: []canvas.Page{
			{ID: "pg_b", Title: "Appendix", Index: 1},
			{ID: "pg_a", Title: "Overview", Index: 0},
		},
		Blocks: []canvas.Block{
			{ID: "blk_2", PageID: "pg_a", Type: canvas.BlockImage, Rect: geometry.Rect{W: 1, H: 1}, Z: 2, Content: json.RawMessage(`{"src":"https://cdn/x.png","caption":"Hero shot"}`)},
			{ID: "blk_1", PageID: "pg_a", Type: canvas.BlockText, Rect: geometry.Rect{W: 1, H: 1}, Z: 1, Content: json.RawMessage(`{"text":"Pricing is final","spans":[{"text":"bold bit"}]}`)},
			{ID: "blk_3", PageID: "pg_a", Type: canvas.BlockDivider, Rect: geometry.Rect{W: 1, H: 1}, Z: 3},
			{ID: "blk_4", PageID: "pg_a", Type: canvas.BlockText, Rect: geometry.Rect{W: 1, H: 1}, Z: 4, Content: json.RawMessage(`not json`)},
		},
	}

	rec := RecordFor(brief, g)

	assert.Equal(t, "brf_1", rec.ID)
	assert.Equal(t, "u_1", rec.OwnerID)
	assert.Equal(t, "call legal", rec.Notes)
	assert.Equal(t, int64(1700000000), rec.UpdatedAt)
	assert.Equal(t, "Overview\nAppendix\nbold bit\nPricing is final\nHero shot", rec.Text)
	assert.NotContains(t, rec.Text, "cdn")
	assert.Equal(t, []string{"u_1"}, rec.Readers)
	// the caller's graph keeps its order
	assert.Equal(t, "pg_b", g.Pages[0].ID)
}

func TestRecordForTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", maxTextLen)
	content, err := json.Marshal(map[string]string{"text": long})
	require.NoError(t, err)
	g := canvas.Graph{Blocks: []canvas.Block{{ID: "blk_1", PageID: "pg_a", Content: content}}}

	rec := RecordFor(canvas.Brief{ID: "brf_1"}, g)

	assert.LessOrEqual(t, len(rec.Text), maxTextLen)
	assert.True(t, utf8.ValidString(rec.Text))
}

type fakeIndex struct {
	healthy bool
	err     error
	results []Result
	indexed []BriefRecord
	deleted []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }
func (f *fakeIndex) Search(Query) ([]Result, int, error) {
	return f.results, len(f.results), f.err
}
func (f *fakeIndex) IndexBrief(rec BriefRecord) error {
	f.indexed = append(f.indexed, rec)
	return nil
}
func (f *fakeIndex) IndexBriefs(recs []BriefRecord) error {
	f.indexed = append(f.indexed, recs...)
	return nil
}
func (f *fakeIndex) DeleteBrief(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeFallback struct {
	results []Result
	err     error
	texts   map[string]string
	records []BriefRecord
}

func (f *fakeFallback) Healthy() bool { return true }
func (f *fakeFallback) Search(Query) ([]Result, int, error) {
	return f.results, len(f.results), f.err
}
func (f *fakeFallback) StoreText(_ context.Context, id, text string) error {
	if f.texts == nil {
		f.texts = map[string]string{}
	}
	f.texts[id] = text
	return nil
}
func (f *fakeFallback) LoadAllRecords(context.Context) ([]BriefRecord, error) {
	return f.records, nil
}

func newTestService(idx Index, fb Fallback) *Service {
	s := NewService(idx, fb, zerolog.Nop())
	s.goAsync = func(fn func()) { fn() }
	return s
}

func TestSearchPrefersHealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: true, results: []Result{{BriefID: "brf_meili"}}}
	fb := &fakeFallback{results: []Result{{BriefID: "brf_pg"}}}

	resp := newTestService(idx, fb).Search(Query{Text: "launch"})

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "brf_meili", resp.Results[0].BriefID)
	assert.Equal(t, "launch", resp.Query)
}

func TestSearchFallsBack(t *testing.T) {
	fb := &fakeFallback{results: []Result{{BriefID: "brf_pg"}}}

	t.Run("index unhealthy", func(t *testing.T) {
		resp := newTestService(&fakeIndex{healthy: false}, fb).Search(Query{Text: "x"})
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "brf_pg", resp.Results[0].BriefID)
	})
	t.Run("index errors", func(t *testing.T) {
		resp := newTestService(&fakeIndex{healthy: true, err: errors.New("boom")}, fb).Search(Query{Text: "x"})
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "brf_pg", resp.Results[0].BriefID)
	})
	t.Run("nothing configured", func(t *testing.T) {
		resp := newTestService(nil, nil).Search(Query{Text: "x"})
		assert.NotNil(t, resp.Results)
		assert.Empty(t, resp.Results)
	})
	t.Run("fallback error yields empty results", func(t *testing.T) {
		resp := newTestService(nil, &fakeFallback{err: errors.New("down")}).Search(Query{Text: "x"})
		assert.NotNil(t, resp.Results)
		assert.Zero(t, resp.Total)
	})
}

func TestIndexBriefWritesBothBackends(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	fb := &fakeFallback{}
	s := newTestService(idx, fb)

	g := canvas.Graph{Blocks: []canvas.Block{{ID: "blk_1", PageID: "pg_a", Content: json.RawMessage(`{"text":"hello"}`)}}}
	require.NoError(t, s.IndexBrief(context.Background(), canvas.Brief{ID: "brf_1", Title: "T"}, g))

	assert.Equal(t, "hello", fb.texts["brf_1"])
	require.Len(t, idx.indexed, 1)
	assert.Equal(t, "brf_1", idx.indexed[0].ID)

	require.NoError(t, s.RemoveBrief(context.Background(), "brf_1"))
	assert.Equal(t, []string{"brf_1"}, idx.deleted)
}

func TestIndexBriefSkipsUnhealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: false}
	s := newTestService(idx, nil)

	require.NoError(t, s.IndexBrief(context.Background(), canvas.Brief{ID: "brf_1"}, canvas.Graph{}))
	require.NoError(t, s.RemoveBrief(context.Background(), "brf_1"))
	assert.Empty(t, idx.indexed)
	assert.Empty(t, idx.deleted)
}

func TestReindexAllFromPG(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	fb := &fakeFallback{records: []BriefRecord{{ID: "brf_1"}, {ID: "brf_2"}}}

	newTestService(idx, fb).ReindexAllFromPG(context.Background())

	assert.Len(t, idx.indexed, 2)
}

type fakeMembers map[string][]canvas.Member

func (f fakeMembers) ListMembers(_ context.Context, briefID string) ([]canvas.Member, error) {
	return f[briefID], nil
}

func TestIndexBriefListsMembersAsReaders(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	members := fakeMembers{"brf_1": {{BriefID: "brf_1", UserID: "u_bob"}, {BriefID: "brf_1", UserID: "u_cy"}}}
	s := NewService(idx, nil, zerolog.Nop(), WithMembers(members))
	s.goAsync = func(fn func()) { fn() }

	require.NoError(t, s.IndexBrief(context.Background(), canvas.Brief{ID: "brf_1", OwnerID: "u_alice"}, canvas.Graph{}))

	require.Len(t, idx.indexed, 1)
	assert.Equal(t, []string{"u_alice", "u_bob", "u_cy"}, idx.indexed[0].Readers)
}

func TestFilterForRestrictsToReader(t *testing.T) {
	assert.Empty(t, filterFor(Query{Text: "x"}))
	assert.Equal(t,
		[]string{`readers = "u_alice"`, `status = "ready"`},
		filterFor(Query{Text: "x", Reader: "u_alice", FilterStatus: "ready"}),
	)
}

func TestSplitMembers(t *testing.T) {
	assert.Nil(t, splitMembers(""))
	assert.Equal(t, []string{"u_a", "u_b"}, splitMembers("u_a,u_b"))
}
