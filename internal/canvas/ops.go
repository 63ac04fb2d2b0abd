package canvas

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"briefcanvas/api/internal/geometry"
)

type OpType string

const (
	OpCreateBlock  OpType = "create_block"
	OpUpdateBlock  OpType = "update_block"
	OpMoveBlock    OpType = "move_block"
	OpDeleteBlock  OpType = "delete_block"
	OpUpsertBlock  OpType = "upsert_block"
	OpUpsertPage   OpType = "upsert_page"
	OpDeletePage   OpType = "delete_page"
	OpReorderPages OpType = "reorder_pages"
	OpSetNotes     OpType = "set_notes"
)

// Op is one entry of a batch. Which fields are read depends on Type:
//
//	create_block, upsert_block  Block
//	update_block                BlockID, Patch
//	move_block                  BlockID, X, Y, optional PageID
//	delete_block                BlockID
//	upsert_page                 Page
//	delete_page                 PageID
//	reorder_pages               PageIDs (every page exactly once)
//	set_notes                   Notes
type Op struct {
	Type    OpType      `json:"type"`
	Block   *Block      `json:"block,omitempty"`
	BlockID string      `json:"blockId,omitempty"`
	Patch   *BlockPatch `json:"patch,omitempty"`
	X       *float64    `json:"x,omitempty"`
	Y       *float64    `json:"y,omitempty"`
	PageID  string      `json:"pageId,omitempty"`
	Page    *Page       `json:"page,omitempty"`
	PageIDs []string    `json:"pageIds,omitempty"`
	Notes   *string     `json:"notes,omitempty"`
}

// BlockPatch lists the fields update_block may change; nil means unchanged.
type BlockPatch struct {
	Type    *BlockType      `json:"type,omitempty"`
	Rect    *geometry.Rect  `json:"rect,omitempty"`
	Z       *int            `json:"z,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type workingSet struct {
	brief      Brief
	pages      map[string]*Page
	pageOrder  []string
	blocks     map[string]*Block
	blockOrder []string
	touched    map[string]bool
	created    map[string]bool
	// prior holds the pre-batch revision of every block in the input graph.
	prior map[string]int64
}

func newWorkingSet(brief Brief, g Graph) *workingSet {
	g = g.Clone()
	g.Normalize()
	ws := &workingSet{
		brief:   brief,
		pages:   make(map[string]*Page, len(g.Pages)),
		blocks:  make(map[string]*Block, len(g.Blocks)),
		touched: make(map[string]bool),
		created: make(map[string]bool),
		prior:   make(map[string]int64, len(g.Blocks)),
	}
	for i := range g.Pages {
		p := g.Pages[i]
		ws.pages[p.ID] = &p
		ws.pageOrder = append(ws.pageOrder, p.ID)
	}
	for i := range g.Blocks {
		b := g.Blocks[i]
		ws.blocks[b.ID] = &b
		ws.blockOrder = append(ws.blockOrder, b.ID)
		ws.prior[b.ID] = b.Revision
	}
	return ws
}

// Apply runs ops in order against a private copy of g. Either every op
// applies and the new brief and graph are returned, or the first invalid op
// yields a *ValidationError and the inputs are left untouched. Each block
// touched by the batch gets exactly one revision bump; blocks created by it
// start at revision 1 unless the id existed before the batch.
func Apply(brief Brief, g Graph, ops []Op, now time.Time) (Brief, Graph, error) {
	ws := newWorkingSet(brief, g)
	for i, op := range ops {
		if err := ws.apply(i, op); err != nil {
			return brief, g, err
		}
	}
	return ws.finish(now)
}

func (ws *workingSet) apply(i int, op Op) error {
	switch op.Type {
	case OpCreateBlock:
		if op.Block == nil {
			return invalid(i, "block", "required")
		}
		if _, exists := ws.blocks[op.Block.ID]; exists {
			return invalid(i, "block.id", "already exists")
		}
		return ws.putBlock(i, *op.Block)
	case OpUpsertBlock:
		if op.Block == nil {
			return invalid(i, "block", "required")
		}
		return ws.putBlock(i, *op.Block)
	case OpUpdateBlock:
		return ws.updateBlock(i, op)
	case OpMoveBlock:
		return ws.moveBlock(i, op)
	case OpDeleteBlock:
		if _, ok := ws.blocks[op.BlockID]; !ok {
			return invalid(i, "blockId", "unknown block")
		}
		ws.removeBlock(op.BlockID)
		return nil
	case OpUpsertPage:
		return ws.upsertPage(i, op.Page)
	case OpDeletePage:
		return ws.deletePage(i, op.PageID)
	case OpReorderPages:
		return ws.reorderPages(i, op.PageIDs)
	case OpSetNotes:
		if op.Notes == nil {
			return invalid(i, "notes", "required")
		}
		ws.brief.Notes = *op.Notes
		return nil
	default:
		return invalid(i, "type", "unknown op type")
	}
}

func (ws *workingSet) putBlock(i int, b Block) error {
	if b.ID == "" {
		return invalid(i, "block.id", "required")
	}
	if _, ok := ws.pages[b.PageID]; !ok {
		return invalid(i, "block.pageId", "unknown page")
	}
	if !b.Type.Valid() {
		return invalid(i, "block.type", "unknown block type")
	}
	if !b.Rect.Valid() {
		return invalid(i, "block.rect", "must be finite with positive size")
	}
	if len(b.Content) > 0 && !json.Valid(b.Content) {
		return invalid(i, "block.content", "must be valid JSON")
	}
	b = b.Clone()
	if existing, ok := ws.blocks[b.ID]; ok {
		b.Revision = existing.Revision
		*existing = b
		if !ws.created[b.ID] {
			ws.touched[b.ID] = true
		}
		return nil
	}
	ws.blocks[b.ID] = &b
	ws.blockOrder = append(ws.blockOrder, b.ID)
	ws.created[b.ID] = true
	return nil
}

func (ws *workingSet) updateBlock(i int, op Op) error {
	existing, ok := ws.blocks[op.BlockID]
	if !ok {
		return invalid(i, "blockId", "unknown block")
	}
	if op.Patch == nil {
		return invalid(i, "patch", "required")
	}
	next := existing.Clone()
	if op.Patch.Type != nil {
		if !op.Patch.Type.Valid() {
			return invalid(i, "patch.type", "unknown block type")
		}
		next.Type = *op.Patch.Type
	}
	if op.Patch.Rect != nil {
		if !op.Patch.Rect.Valid() {
			return invalid(i, "patch.rect", "must be finite with positive size")
		}
		next.Rect = *op.Patch.Rect
	}
	if op.Patch.Z != nil {
		next.Z = *op.Patch.Z
	}
	if len(op.Patch.Content) > 0 {
		if !json.Valid(op.Patch.Content) {
			return invalid(i, "patch.content", "must be valid JSON")
		}
		next.Content = append(json.RawMessage(nil), op.Patch.Content...)
	}
	*existing = next
	ws.markTouched(existing.ID)
	return nil
}

func (ws *workingSet) moveBlock(i int, op Op) error {
	existing, ok := ws.blocks[op.BlockID]
	if !ok {
		return invalid(i, "blockId", "unknown block")
	}
	if op.X == nil || op.Y == nil {
		return invalid(i, "x,y", "required")
	}
	if !finite(*op.X) || !finite(*op.Y) {
		return invalid(i, "x,y", "must be finite")
	}
	if op.PageID != "" {
		if _, ok := ws.pages[op.PageID]; !ok {
			return invalid(i, "pageId", "unknown page")
		}
		existing.PageID = op.PageID
	}
	existing.Rect.X = *op.X
	existing.Rect.Y = *op.Y
	ws.markTouched(existing.ID)
	return nil
}

func (ws *workingSet) upsertPage(i int, p *Page) error {
	if p == nil {
		return invalid(i, "page", "required")
	}
	if p.ID == "" {
		return invalid(i, "page.id", "required")
	}
	if existing, ok := ws.pages[p.ID]; ok {
		existing.Title = p.Title
		return nil
	}
	ws.pages[p.ID] = &Page{ID: p.ID, BriefID: ws.brief.ID, Title: p.Title}
	ws.pageOrder = append(ws.pageOrder, p.ID)
	return nil
}

func (ws *workingSet) deletePage(i int, pageID string) error {
	if _, ok := ws.pages[pageID]; !ok {
		return invalid(i, "pageId", "unknown page")
	}
	for _, id := range append([]string(nil), ws.blockOrder...) {
		if b, ok := ws.blocks[id]; ok && b.PageID == pageID {
			ws.removeBlock(id)
		}
	}
	delete(ws.pages, pageID)
	ws.pageOrder = without(ws.pageOrder, pageID)
	return nil
}

func (ws *workingSet) reorderPages(i int, ids []string) error {
	if len(ids) != len(ws.pages) {
		return invalid(i, "pageIds", "must list every page exactly once")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := ws.pages[id]; !ok || seen[id] {
			return invalid(i, "pageIds", "must list every page exactly once")
		}
		seen[id] = true
	}
	ws.pageOrder = append([]string(nil), ids...)
	return nil
}

// createdRevision is 1 for a new id. An id deleted and created again in the
// same batch continues above the brief's high-water mark so its revision
// never goes backwards.
func (ws *workingSet) createdRevision(id string) int64 {
	prev, existed := ws.prior[id]
	if !existed {
		return 1
	}
	next := ws.brief.RevisionHWM + 1
	if prev >= next {
		next = prev + 1
	}
	return next
}

func (ws *workingSet) markTouched(id string) {
	if !ws.created[id] {
		ws.touched[id] = true
	}
}

func (ws *workingSet) removeBlock(id string) {
	delete(ws.blocks, id)
	delete(ws.touched, id)
	delete(ws.created, id)
	ws.blockOrder = without(ws.blockOrder, id)
}

func (ws *workingSet) finish(now time.Time) (Brief, Graph, error) {
	var out Graph
	for idx, id := range ws.pageOrder {
		p := *ws.pages[id]
		p.Index = idx
		p.BriefID = ws.brief.ID
		out.Pages = append(out.Pages, p)
	}
	hwm := ws.brief.RevisionHWM
	for _, id := range ws.blockOrder {
		b := *ws.blocks[id]
		switch {
		case ws.created[id]:
			b.Revision = ws.createdRevision(id)
			b.UpdatedAt = now
		case ws.touched[id]:
			b.Revision++
			b.UpdatedAt = now
		}
		if b.Revision > hwm {
			hwm = b.Revision
		}
		out.Blocks = append(out.Blocks, b)
	}
	out.Normalize()

	brief := ws.brief
	brief.RevisionHWM = hwm
	brief.UpdatedAt = now
	return brief, out, nil
}

// Restore prepares a snapshot graph to become the live graph of brief. Every
// block gets revision RevisionHWM+1, which is higher than any revision the
// brief has ever handed out, so readers can tell the content was replaced.
func Restore(brief Brief, snap Graph, now time.Time) (Brief, Graph) {
	g := snap.Clone()
	fresh := brief.RevisionHWM + 1
	if m := snap.MaxRevision(); m >= fresh {
		fresh = m + 1
	}
	for i := range g.Pages {
		g.Pages[i].BriefID = brief.ID
	}
	for i := range g.Blocks {
		g.Blocks[i].Revision = fresh
		g.Blocks[i].UpdatedAt = now
	}
	g.Normalize()
	brief.RevisionHWM = fresh
	brief.UpdatedAt = now
	return brief, g
}

// ChangeSet is the row-level difference between two graphs of one brief.
type ChangeSet struct {
	UpsertPages  []Page
	DeletePages  []string
	UpsertBlocks []Block
	DeleteBlocks []string
}

func (c ChangeSet) Empty() bool {
	return len(c.UpsertPages) == 0 && len(c.DeletePages) == 0 &&
		len(c.UpsertBlocks) == 0 && len(c.DeleteBlocks) == 0
}

// Diff computes the rows a store must write to turn before into after.
func Diff(before, after Graph) ChangeSet {
	var cs ChangeSet

	oldPages := make(map[string]Page, len(before.Pages))
	for _, p := range before.Pages {
		oldPages[p.ID] = p
	}
	newPages := make(map[string]bool, len(after.Pages))
	for _, p := range after.Pages {
		newPages[p.ID] = true
		if old, ok := oldPages[p.ID]; !ok || old != p {
			cs.UpsertPages = append(cs.UpsertPages, p)
		}
	}
	for _, p := range before.Pages {
		if !newPages[p.ID] {
			cs.DeletePages = append(cs.DeletePages, p.ID)
		}
	}

	oldBlocks := make(map[string]Block, len(before.Blocks))
	for _, b := range before.Blocks {
		oldBlocks[b.ID] = b
	}
	newBlocks := make(map[string]bool, len(after.Blocks))
	for _, b := range after.Blocks {
		newBlocks[b.ID] = true
		if old, ok := oldBlocks[b.ID]; !ok || !sameBlock(old, b) {
			cs.UpsertBlocks = append(cs.UpsertBlocks, b)
		}
	}
	for _, b := range before.Blocks {
		if !newBlocks[b.ID] {
			cs.DeleteBlocks = append(cs.DeleteBlocks, b.ID)
		}
	}
	return cs
}

func sameBlock(a, b Block) bool {
	return a.ID == b.ID && a.PageID == b.PageID && a.Type == b.Type &&
		a.Rect == b.Rect && a.Z == b.Z && a.Revision == b.Revision &&
		a.UpdatedAt.Equal(b.UpdatedAt) && bytes.Equal(a.Content, b.Content)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
