package client

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"

	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/docstore"
	"briefcanvas/api/internal/draft"
)

// Saver pushes draft content for one brief as a single atomic batch. Only
// blocks that differ from the last server state are sent, so untouched
// blocks keep their revision. New blocks must already carry an id
// (util.NewID("blk")); the saver matches blocks across saves by id.
type Saver struct {
	client    *Client
	lockToken func() string

	mu     sync.Mutex
	blocks map[string]canvas.Block
	notes  string
}

var _ draft.Saver = (*Saver)(nil)

// NewSaver reads the lock token on every save so a re-acquired lock is
// picked up without rebuilding the saver.
func NewSaver(c *Client, lockToken func() string) *Saver {
	return &Saver{client: c, lockToken: lockToken, blocks: map[string]canvas.Block{}}
}

// Seed records the server state the editor started from.
func (s *Saver) Seed(view docstore.Canvas) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedLocked(view)
}

func (s *Saver) seedLocked(view docstore.Canvas) {
	s.blocks = make(map[string]canvas.Block, len(view.Blocks))
	for _, b := range view.Blocks {
		s.blocks[b.ID] = b.Clone()
	}
	s.notes = view.Brief.Notes
}

func (s *Saver) Save(ctx context.Context, briefID string, c draft.Content) error {
	s.mu.Lock()
	ops := s.opsLocked(c)
	s.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}

	view, err := s.client.ApplyBatch(ctx, briefID, s.lockToken(), ops)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.seedLocked(view)
	s.mu.Unlock()
	return nil
}

// Ops returns the batch Save would send for c.
func (s *Saver) Ops(c draft.Content) []canvas.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opsLocked(c)
}

func (s *Saver) opsLocked(c draft.Content) []canvas.Op {
	var ops []canvas.Op

	keep := make(map[string]struct{}, len(c.Blocks))
	for _, b := range c.Blocks {
		if b.ID != "" {
			keep[b.ID] = struct{}{}
		}
	}
	var gone []string
	for id := range s.blocks {
		if _, ok := keep[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		ops = append(ops, canvas.Op{Type: canvas.OpDeleteBlock, BlockID: id})
	}

	for _, b := range c.Blocks {
		if prev, ok := s.blocks[b.ID]; ok && sameBlock(prev, b) {
			continue
		}
		blk := b.Clone()
		ops = append(ops, canvas.Op{Type: canvas.OpUpsertBlock, Block: &blk})
	}

	if c.Notes != s.notes {
		notes := c.Notes
		ops = append(ops, canvas.Op{Type: canvas.OpSetNotes, Notes: &notes})
	}
	return ops
}

func sameBlock(a, b canvas.Block) bool {
	return a.PageID == b.PageID &&
		a.Type == b.Type &&
		a.Rect == b.Rect &&
		a.Z == b.Z &&
		sameContent(a.Content, b.Content)
}

func sameContent(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
