package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"briefcanvas/api/internal/auth"
	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/geometry"
	"briefcanvas/api/internal/rbac"
	"briefcanvas/api/internal/util"
)

// runRepositoryContract exercises the behaviour every canvas.Repository must
// share, so the in-process store stays faithful to PostgreSQL.
func runRepositoryContract(t *testing.T, repo canvas.Repository) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	newBrief := func(t *testing.T) (canvas.Brief, canvas.Page) {
		t.Helper()
		b := canvas.Brief{ID: util.NewID("brf"), OwnerID: "user-1", Title: "Q3 review", Status: canvas.StatusDraft, CreatedAt: now, UpdatedAt: now}
		p := canvas.Page{ID: util.NewID("pg"), BriefID: b.ID, Title: "Page 1"}
		if err := repo.CreateBrief(ctx, b, p); err != nil {
			t.Fatalf("CreateBrief() error = %v", err)
		}
		return b, p
	}

	t.Run("unknown brief", func(t *testing.T) {
		err := repo.InBrief(ctx, "brf_missing", func(canvas.Tx) error {
			t.Fatal("fn must not run for unknown brief")
			return nil
		})
		if !errors.Is(err, canvas.ErrBriefNotFound) {
			t.Fatalf("InBrief() error = %v, want ErrBriefNotFound", err)
		}
		if _, _, _, err := repo.ReadCanvas(ctx, "brf_missing"); !errors.Is(err, canvas.ErrBriefNotFound) {
			t.Fatalf("ReadCanvas() error = %v, want ErrBriefNotFound", err)
		}
		if _, _, err := repo.ListSnapshots(ctx, "brf_missing", 10, 0); !errors.Is(err, canvas.ErrBriefNotFound) {
			t.Fatalf("ListSnapshots() error = %v, want ErrBriefNotFound", err)
		}
	})

	t.Run("changes commit together", func(t *testing.T) {
		b, p := newBrief(t)
		block := canvas.Block{ID: "blk_1", PageID: p.ID, Type: canvas.BlockText, Rect: geometry.Rect{X: 1, Y: 2, W: 3, H: 4}, Content: json.RawMessage(`{"text":"hi"}`), Revision: 1, UpdatedAt: now}
		err := repo.InBrief(ctx, b.ID, func(tx canvas.Tx) error {
			if err := tx.ApplyChanges(ctx, canvas.ChangeSet{UpsertBlocks: []canvas.Block{block}}); err != nil {
				return err
			}
			nb := tx.Brief()
			nb.RevisionHWM = 1
			nb.Notes = "notes"
			return tx.UpdateBrief(ctx, nb)
		})
		if err != nil {
			t.Fatalf("InBrief() error = %v", err)
		}

		gotBrief, g, lock, err := repo.ReadCanvas(ctx, b.ID)
		if err != nil {
			t.Fatalf("ReadCanvas() error = %v", err)
		}
		if gotBrief.RevisionHWM != 1 || gotBrief.Notes != "notes" {
			t.Fatalf("brief not updated: %+v", gotBrief)
		}
		if lock != nil {
			t.Fatalf("unexpected lock: %+v", lock)
		}
		if len(g.Pages) != 1 || len(g.Blocks) != 1 {
			t.Fatalf("unexpected graph: %+v", g)
		}
		got := g.Blocks[0]
		if got.Rect != block.Rect || got.Revision != 1 || got.Type != canvas.BlockText {
			t.Fatalf("block mismatch: %+v", got)
		}
		var content map[string]string
		if err := json.Unmarshal(got.Content, &content); err != nil || content["text"] != "hi" {
			t.Fatalf("content mismatch: %s", got.Content)
		}
	})

	t.Run("error rolls back", func(t *testing.T) {
		b, p := newBrief(t)
		boom := errors.New("boom")
		err := repo.InBrief(ctx, b.ID, func(tx canvas.Tx) error {
			if err := tx.ApplyChanges(ctx, canvas.ChangeSet{UpsertBlocks: []canvas.Block{
				{ID: "blk_1", PageID: p.ID, Type: canvas.BlockShape, Rect: geometry.Rect{W: 1, H: 1}, Revision: 1, UpdatedAt: now},
			}}); err != nil {
				return err
			}
			if err := tx.PutLock(ctx, canvas.EditLock{Holder: "avery", TokenHash: auth.HashToken("t"), AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("InBrief() error = %v, want boom", err)
		}
		_, g, lock, err := repo.ReadCanvas(ctx, b.ID)
		if err != nil {
			t.Fatalf("ReadCanvas() error = %v", err)
		}
		if len(g.Blocks) != 0 || lock != nil {
			t.Fatalf("rolled back transaction leaked state: blocks=%d lock=%+v", len(g.Blocks), lock)
		}
	})

	t.Run("lock row round trip", func(t *testing.T) {
		b, _ := newBrief(t)
		want := canvas.EditLock{Holder: "avery", HolderName: "Avery", TokenHash: auth.HashToken("tok"), AcquiredAt: now, ExpiresAt: now.Add(30 * time.Second)}
		if err := repo.InBrief(ctx, b.ID, func(tx canvas.Tx) error { return tx.PutLock(ctx, want) }); err != nil {
			t.Fatalf("PutLock error = %v", err)
		}
		got, err := repo.ReadLock(ctx, b.ID)
		if err != nil {
			t.Fatalf("ReadLock() error = %v", err)
		}
		if got == nil || got.Holder != "avery" || got.HolderName != "Avery" || !got.Matches("tok") || !got.ExpiresAt.Equal(want.ExpiresAt) {
			t.Fatalf("unexpected lock: %+v", got)
		}
		if err := repo.InBrief(ctx, b.ID, func(tx canvas.Tx) error { return tx.ClearLock(ctx) }); err != nil {
			t.Fatalf("ClearLock error = %v", err)
		}
		if got, _ := repo.ReadLock(ctx, b.ID); got != nil {
			t.Fatalf("lock survived ClearLock: %+v", got)
		}
	})

	t.Run("deleting a page removes its blocks", func(t *testing.T) {
		b, p := newBrief(t)
		other := canvas.Page{ID: "pg_other", BriefID: b.ID, Title: "Two", Index: 1}
		err := repo.InBrief(ctx, b.ID, func(tx canvas.Tx) error {
			return tx.ApplyChanges(ctx, canvas.ChangeSet{
				UpsertPages: []canvas.Page{other},
				UpsertBlocks: []canvas.Block{
					{ID: "blk_a", PageID: p.ID, Type: canvas.BlockText, Rect: geometry.Rect{W: 1, H: 1}, Revision: 1, UpdatedAt: now},
					{ID: "blk_b", PageID: other.ID, Type: canvas.BlockText, Rect: geometry.Rect{W: 1, H: 1}, Revision: 1, UpdatedAt: now},
				},
			})
		})
		if err != nil {
			t.Fatalf("seed error = %v", err)
		}
		err = repo.InBrief(ctx, b.ID, func(tx canvas.Tx) error {
			return tx.ApplyChanges(ctx, canvas.ChangeSet{DeletePages: []string{other.ID}})
		})
		if err != nil {
			t.Fatalf("delete page error = %v", err)
		}
		_, g, _, _ := repo.ReadCanvas(ctx, b.ID)
		if len(g.Pages) != 1 || len(g.Blocks) != 1 || g.Blocks[0].ID != "blk_a" {
			t.Fatalf("unexpected graph after page delete: %+v", g)
		}
	})

	t.Run("snapshots are scoped and newest first", func(t *testing.T) {
		b, p := newBrief(t)
		other, _ := newBrief(t)
		for i, id := range []string{"snap_1", "snap_2", "snap_3"} {
			snap := canvas.Snapshot{
				ID:        b.ID + "_" + id,
				CreatedBy: "avery",
				Reason:    canvas.ReasonManual,
				CreatedAt: now.Add(time.Duration(i) * time.Minute),
				Graph:     canvas.Graph{Pages: []canvas.Page{p}, Blocks: []canvas.Block{}},
			}
			if err := repo.InBrief(ctx, b.ID, func(tx canvas.Tx) error { return tx.InsertSnapshot(ctx, snap) }); err != nil {
				t.Fatalf("InsertSnapshot error = %v", err)
			}
		}

		items, total, err := repo.ListSnapshots(ctx, b.ID, 2, 0)
		if err != nil {
			t.Fatalf("ListSnapshots() error = %v", err)
		}
		if total != 3 || len(items) != 2 || items[0].ID != b.ID+"_snap_3" || items[1].ID != b.ID+"_snap_2" {
			t.Fatalf("unexpected listing: total=%d items=%+v", total, items)
		}
		items, _, _ = repo.ListSnapshots(ctx, b.ID, 2, 2)
		if len(items) != 1 || items[0].ID != b.ID+"_snap_1" {
			t.Fatalf("unexpected second page: %+v", items)
		}

		err = repo.InBrief(ctx, other.ID, func(tx canvas.Tx) error {
			_, err := tx.Snapshot(ctx, b.ID+"_snap_1")
			return err
		})
		if !errors.Is(err, canvas.ErrSnapshotNotFound) {
			t.Fatalf("cross-brief snapshot lookup error = %v, want ErrSnapshotNotFound", err)
		}
	})

	t.Run("briefs needing snapshot", func(t *testing.T) {
		b, _ := newBrief(t)
		ids, err := repo.BriefsNeedingSnapshot(ctx)
		if err != nil {
			t.Fatalf("BriefsNeedingSnapshot() error = %v", err)
		}
		if !contains(ids, b.ID) {
			t.Fatalf("never-snapshotted brief missing from %v", ids)
		}
		snap := canvas.Snapshot{ID: util.NewID("snap"), CreatedBy: "system", Reason: canvas.ReasonScheduled, CreatedAt: now.Add(time.Hour), Graph: canvas.Graph{}}
		if err := repo.InBrief(ctx, b.ID, func(tx canvas.Tx) error { return tx.InsertSnapshot(ctx, snap) }); err != nil {
			t.Fatalf("InsertSnapshot error = %v", err)
		}
		ids, _ = repo.BriefsNeedingSnapshot(ctx)
		if contains(ids, b.ID) {
			t.Fatalf("freshly snapshotted brief still listed: %v", ids)
		}
	})

	t.Run("membership roles", func(t *testing.T) {
		b, _ := newBrief(t)
		role, err := repo.Role(ctx, b.ID, "user-1")
		if err != nil || role != rbac.RoleOwner {
			t.Fatalf("owner Role() = %q, %v", role, err)
		}
		if role, _ := repo.Role(ctx, b.ID, "user-2"); role != "" {
			t.Fatalf("stranger Role() = %q, want none", role)
		}
		if _, err := repo.Role(ctx, "brf_missing", "user-1"); !errors.Is(err, canvas.ErrBriefNotFound) {
			t.Fatalf("Role() on unknown brief error = %v", err)
		}

		for _, m := range []canvas.Member{
			{BriefID: b.ID, UserID: "user-3", Role: rbac.RoleViewer, AddedBy: "user-1", AddedAt: now},
			{BriefID: b.ID, UserID: "user-2", Role: rbac.RoleViewer, AddedBy: "user-1", AddedAt: now},
			{BriefID: b.ID, UserID: "user-2", Role: rbac.RoleEditor, AddedBy: "user-1", AddedAt: now.Add(time.Minute)},
		} {
			if err := repo.PutMember(ctx, m); err != nil {
				t.Fatalf("PutMember(%s) error = %v", m.UserID, err)
			}
		}
		if role, _ := repo.Role(ctx, b.ID, "user-2"); role != rbac.RoleEditor {
			t.Fatalf("member Role() = %q, want editor", role)
		}
		members, err := repo.ListMembers(ctx, b.ID)
		if err != nil {
			t.Fatalf("ListMembers() error = %v", err)
		}
		if len(members) != 2 || members[0].UserID != "user-2" || members[0].Role != rbac.RoleEditor || members[1].UserID != "user-3" {
			t.Fatalf("unexpected members: %+v", members)
		}

		if err := repo.DeleteMember(ctx, b.ID, "user-2"); err != nil {
			t.Fatalf("DeleteMember() error = %v", err)
		}
		if err := repo.DeleteMember(ctx, b.ID, "user-2"); err != nil {
			t.Fatalf("second DeleteMember() error = %v", err)
		}
		if role, _ := repo.Role(ctx, b.ID, "user-2"); role != "" {
			t.Fatalf("removed member Role() = %q", role)
		}
	})

	t.Run("archived briefs disappear", func(t *testing.T) {
		b, _ := newBrief(t)
		err := repo.InBrief(ctx, b.ID, func(tx canvas.Tx) error {
			nb := tx.Brief()
			archived := now
			nb.ArchivedAt = &archived
			return tx.UpdateBrief(ctx, nb)
		})
		if err != nil {
			t.Fatalf("archive error = %v", err)
		}
		if _, _, _, err := repo.ReadCanvas(ctx, b.ID); !errors.Is(err, canvas.ErrBriefNotFound) {
			t.Fatalf("ReadCanvas() error = %v, want ErrBriefNotFound", err)
		}
		ids, _ := repo.BriefsNeedingSnapshot(ctx)
		if contains(ids, b.ID) {
			t.Fatalf("archived brief listed for snapshot: %v", ids)
		}
		if _, err := repo.Role(ctx, b.ID, "user-1"); !errors.Is(err, canvas.ErrBriefNotFound) {
			t.Fatalf("Role() on archived brief error = %v, want ErrBriefNotFound", err)
		}
	})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
