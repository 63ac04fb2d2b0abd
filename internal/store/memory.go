package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/rbac"
)

// MemoryStore is an in-process canvas.Repository for single-node
// development and tests. A per-brief mutex stands in for the row lock and
// each transaction works on copies that are swapped in only on success.
type MemoryStore struct {
	mu     sync.RWMutex
	briefs map[string]*memBrief
}

type memBrief struct {
	mu        sync.Mutex
	brief     canvas.Brief
	graph     canvas.Graph
	lock      *canvas.EditLock
	snapshots []canvas.Snapshot
	members   map[string]canvas.Member
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{briefs: make(map[string]*memBrief)}
}

func (s *MemoryStore) entry(briefID string) *memBrief {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.briefs[briefID]
}

func (s *MemoryStore) InBrief(ctx context.Context, briefID string, fn func(canvas.Tx) error) error {
	e := s.entry(briefID)
	if e == nil {
		return canvas.ErrBriefNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.brief.ArchivedAt != nil {
		return canvas.ErrBriefNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		entry: e,
		brief: e.brief,
		graph: e.graph.Clone(),
		lock:  copyLock(e.lock),
	}
	if err := fn(tx); err != nil {
		return err
	}
	e.brief = tx.brief
	e.graph = tx.graph
	e.lock = tx.lock
	e.snapshots = append(e.snapshots, tx.inserted...)
	return nil
}

func (s *MemoryStore) ReadCanvas(_ context.Context, briefID string) (canvas.Brief, canvas.Graph, *canvas.EditLock, error) {
	e := s.entry(briefID)
	if e == nil {
		return canvas.Brief{}, canvas.Graph{}, nil, canvas.ErrBriefNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.brief.ArchivedAt != nil {
		return canvas.Brief{}, canvas.Graph{}, nil, canvas.ErrBriefNotFound
	}
	g := e.graph.Clone()
	g.Normalize()
	return e.brief, g, copyLock(e.lock), nil
}

func (s *MemoryStore) ReadLock(_ context.Context, briefID string) (*canvas.EditLock, error) {
	e := s.entry(briefID)
	if e == nil {
		return nil, canvas.ErrBriefNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.brief.ArchivedAt != nil {
		return nil, canvas.ErrBriefNotFound
	}
	return copyLock(e.lock), nil
}

func (s *MemoryStore) CreateBrief(_ context.Context, b canvas.Brief, first canvas.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.briefs[b.ID]; exists {
		return fmt.Errorf("brief %s already exists", b.ID)
	}
	first.BriefID = b.ID
	s.briefs[b.ID] = &memBrief{
		brief:   b,
		graph:   canvas.Graph{Pages: []canvas.Page{first}},
		members: make(map[string]canvas.Member),
	}
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, briefID string, limit, offset int) ([]canvas.SnapshotInfo, int, error) {
	e := s.entry(briefID)
	if e == nil {
		return nil, 0, canvas.ErrBriefNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.brief.ArchivedAt != nil {
		return nil, 0, canvas.ErrBriefNotFound
	}

	infos := make([]canvas.SnapshotInfo, 0, len(e.snapshots))
	for i := len(e.snapshots) - 1; i >= 0; i-- {
		infos = append(infos, e.snapshots[i].Info())
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})

	total := len(infos)
	if offset >= total {
		return []canvas.SnapshotInfo{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return infos[offset:end], total, nil
}

func (s *MemoryStore) BriefsNeedingSnapshot(_ context.Context) ([]string, error) {
	s.mu.RLock()
	entries := make([]*memBrief, 0, len(s.briefs))
	for _, e := range s.briefs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	ids := make([]string, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.brief.ArchivedAt == nil {
			var latest *canvas.Snapshot
			for i := range e.snapshots {
				if latest == nil || e.snapshots[i].CreatedAt.After(latest.CreatedAt) {
					latest = &e.snapshots[i]
				}
			}
			if latest == nil || e.brief.UpdatedAt.After(latest.CreatedAt) {
				ids = append(ids, e.brief.ID)
			}
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids, nil
}

// active returns the entry locked, or ErrBriefNotFound. Callers unlock.
func (s *MemoryStore) active(briefID string) (*memBrief, error) {
	e := s.entry(briefID)
	if e == nil {
		return nil, canvas.ErrBriefNotFound
	}
	e.mu.Lock()
	if e.brief.ArchivedAt != nil {
		e.mu.Unlock()
		return nil, canvas.ErrBriefNotFound
	}
	return e, nil
}

func (s *MemoryStore) Role(_ context.Context, briefID, userID string) (rbac.Role, error) {
	e, err := s.active(briefID)
	if err != nil {
		return "", err
	}
	defer e.mu.Unlock()
	if userID != "" && userID == e.brief.OwnerID {
		return rbac.RoleOwner, nil
	}
	return e.members[userID].Role, nil
}

func (s *MemoryStore) PutMember(_ context.Context, m canvas.Member) error {
	e, err := s.active(m.BriefID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.members[m.UserID] = m
	return nil
}

func (s *MemoryStore) DeleteMember(_ context.Context, briefID, userID string) error {
	e, err := s.active(briefID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	delete(e.members, userID)
	return nil
}

func (s *MemoryStore) ListMembers(_ context.Context, briefID string) ([]canvas.Member, error) {
	e, err := s.active(briefID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	members := make([]canvas.Member, 0, len(e.members))
	for _, m := range e.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

type memTx struct {
	entry    *memBrief
	brief    canvas.Brief
	graph    canvas.Graph
	lock     *canvas.EditLock
	inserted []canvas.Snapshot
}

func (t *memTx) Brief() canvas.Brief { return t.brief }

func (t *memTx) UpdateBrief(_ context.Context, b canvas.Brief) error {
	b.ID = t.brief.ID
	t.brief = b
	return nil
}

func (t *memTx) Lock(context.Context) (*canvas.EditLock, error) {
	return copyLock(t.lock), nil
}

func (t *memTx) PutLock(_ context.Context, l canvas.EditLock) error {
	l.BriefID = t.brief.ID
	t.lock = &l
	return nil
}

func (t *memTx) ClearLock(context.Context) error {
	t.lock = nil
	return nil
}

func (t *memTx) Graph(context.Context) (canvas.Graph, error) {
	g := t.graph.Clone()
	g.Normalize()
	return g, nil
}

// ApplyChanges follows the same row semantics as the SQL store: deletes
// first, then upserts keyed by id, and removing a page cascades to its
// blocks.
func (t *memTx) ApplyChanges(_ context.Context, cs canvas.ChangeSet) error {
	drop := make(map[string]bool, len(cs.DeleteBlocks))
	for _, id := range cs.DeleteBlocks {
		drop[id] = true
	}
	dropPages := make(map[string]bool, len(cs.DeletePages))
	for _, id := range cs.DeletePages {
		dropPages[id] = true
	}

	pages := t.graph.Pages[:0:0]
	for _, p := range t.graph.Pages {
		if !dropPages[p.ID] {
			pages = append(pages, p)
		}
	}
	for _, p := range cs.UpsertPages {
		p.BriefID = t.brief.ID
		pages = upsertPage(pages, p)
	}

	known := make(map[string]bool, len(pages))
	for _, p := range pages {
		known[p.ID] = true
	}

	blocks := t.graph.Blocks[:0:0]
	for _, b := range t.graph.Blocks {
		if !drop[b.ID] && !dropPages[b.PageID] {
			blocks = append(blocks, b)
		}
	}
	for _, b := range cs.UpsertBlocks {
		if !known[b.PageID] {
			return fmt.Errorf("upsert block %s: page %s does not exist", b.ID, b.PageID)
		}
		blocks = upsertBlock(blocks, b.Clone())
	}

	t.graph = canvas.Graph{Pages: pages, Blocks: blocks}
	return nil
}

func (t *memTx) InsertSnapshot(_ context.Context, snap canvas.Snapshot) error {
	snap.BriefID = t.brief.ID
	snap.Graph = snap.Graph.Clone()
	t.inserted = append(t.inserted, snap)
	return nil
}

func (t *memTx) Snapshot(_ context.Context, id string) (canvas.Snapshot, error) {
	for _, list := range [][]canvas.Snapshot{t.entry.snapshots, t.inserted} {
		for _, snap := range list {
			if snap.ID == id {
				snap.Graph = snap.Graph.Clone()
				return snap, nil
			}
		}
	}
	return canvas.Snapshot{}, canvas.ErrSnapshotNotFound
}

func upsertPage(pages []canvas.Page, p canvas.Page) []canvas.Page {
	for i := range pages {
		if pages[i].ID == p.ID {
			pages[i] = p
			return pages
		}
	}
	return append(pages, p)
}

func upsertBlock(blocks []canvas.Block, b canvas.Block) []canvas.Block {
	for i := range blocks {
		if blocks[i].ID == b.ID {
			blocks[i] = b
			return blocks
		}
	}
	return append(blocks, b)
}

func copyLock(l *canvas.EditLock) *canvas.EditLock {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

var _ canvas.Repository = (*MemoryStore)(nil)
