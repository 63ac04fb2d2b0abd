// Package canvas defines the brief canvas document model: briefs own
// ordered pages, pages own positioned blocks, snapshots hold owned copies of
// the page/block graph, and an edit lock gates every mutation.
package canvas

import (
	"encoding/json"
	"sort"
	"time"

	"briefcanvas/api/internal/geometry"
	"briefcanvas/api/internal/rbac"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockChart      BlockType = "chart"
	BlockShape      BlockType = "shape"
	BlockEmbed      BlockType = "embed"
	BlockDivider    BlockType = "divider"
	BlockCaptureRef BlockType = "capture_ref"
	BlockGroup      BlockType = "group"
)

var blockTypes = map[BlockType]struct{}{
	BlockText:       {},
	BlockImage:      {},
	BlockChart:      {},
	BlockShape:      {},
	BlockEmbed:      {},
	BlockDivider:    {},
	BlockCaptureRef: {},
	BlockGroup:      {},
}

func (t BlockType) Valid() bool {
	_, ok := blockTypes[t]
	return ok
}

const (
	StatusDraft = "draft"
	StatusReady = "ready"
)

type Brief struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Title       string     `json:"title"`
	Notes       string     `json:"notes"`
	Status      string     `json:"status"`
	RevisionHWM int64      `json:"revisionHwm"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
}

type Page struct {
	ID      string `json:"id"`
	BriefID string `json:"briefId"`
	Title   string `json:"title"`
	Index   int    `json:"index"`
}

type Block struct {
	ID        string          `json:"id"`
	PageID    string          `json:"pageId"`
	Type      BlockType       `json:"type"`
	Rect      geometry.Rect   `json:"rect"`
	Z         int             `json:"z"`
	Content   json.RawMessage `json:"content,omitempty"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Graph is the full page/block content of one brief.
type Graph struct {
	Pages  []Page  `json:"pages"`
	Blocks []Block `json:"blocks"`
}

// Clone returns a deep copy; no slice or content buffer is shared with g.
func (g Graph) Clone() Graph {
	out := Graph{
		Pages:  make([]Page, len(g.Pages)),
		Blocks: make([]Block, len(g.Blocks)),
	}
	copy(out.Pages, g.Pages)
	for i, b := range g.Blocks {
		out.Blocks[i] = b.Clone()
	}
	return out
}

// Clone returns a copy that does not share the content buffer.
func (b Block) Clone() Block {
	if b.Content != nil {
		b.Content = append(json.RawMessage(nil), b.Content...)
	}
	return b
}

// Normalize sorts pages by index and blocks by page, z-order and id so two
// graphs with the same content compare equal.
func (g *Graph) Normalize() {
	sort.SliceStable(g.Pages, func(i, j int) bool {
		if g.Pages[i].Index != g.Pages[j].Index {
			return g.Pages[i].Index < g.Pages[j].Index
		}
		return g.Pages[i].ID < g.Pages[j].ID
	})
	sort.SliceStable(g.Blocks, func(i, j int) bool {
		a, b := g.Blocks[i], g.Blocks[j]
		if a.PageID != b.PageID {
			return a.PageID < b.PageID
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.ID < b.ID
	})
}

// MaxRevision returns the highest block revision in the graph.
func (g Graph) MaxRevision() int64 {
	var max int64
	for _, b := range g.Blocks {
		if b.Revision > max {
			max = b.Revision
		}
	}
	return max
}

// Snapshot is an immutable capture of a brief's graph.
type Snapshot struct {
	ID        string    `json:"id"`
	BriefID   string    `json:"briefId"`
	CreatedBy string    `json:"createdBy"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
	Graph     Graph     `json:"graph"`
}

const (
	ReasonManual    = "manual"
	ReasonPublish   = "publish"
	ReasonScheduled = "scheduled"
)

// SnapshotInfo is the listing view of a snapshot, without its payload.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	CreatedBy string    `json:"createdBy"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s Snapshot) Info() SnapshotInfo {
	return SnapshotInfo{ID: s.ID, CreatedBy: s.CreatedBy, Reason: s.Reason, CreatedAt: s.CreatedAt}
}

// Member is a user the owner shared a brief with. The owner never has a
// stored membership.
type Member struct {
	BriefID string    `json:"briefId"`
	UserID  string    `json:"userId"`
	Role    rbac.Role `json:"role"`
	AddedBy string    `json:"addedBy"`
	AddedAt time.Time `json:"addedAt"`
}
