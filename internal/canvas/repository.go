package canvas

import (
	"context"

	"briefcanvas/api/internal/rbac"
)

// Tx is one brief as seen from inside a write transaction. Implementations
// hold the brief's row lock for the lifetime of the transaction, so the lock
// check and the write it guards commit together.
type Tx interface {
	Brief() Brief
	UpdateBrief(ctx context.Context, b Brief) error

	Lock(ctx context.Context) (*EditLock, error)
	PutLock(ctx context.Context, l EditLock) error
	ClearLock(ctx context.Context) error

	Graph(ctx context.Context) (Graph, error)
	ApplyChanges(ctx context.Context, cs ChangeSet) error

	InsertSnapshot(ctx context.Context, s Snapshot) error
	// Snapshot returns ErrSnapshotNotFound for an id that does not belong
	// to this brief.
	Snapshot(ctx context.Context, id string) (Snapshot, error)
}

// Repository is the persistence contract the canvas services run on.
type Repository interface {
	// InBrief runs fn in a transaction scoped to briefID. A non-nil error
	// from fn rolls everything back. Unknown or archived briefs yield
	// ErrBriefNotFound without calling fn.
	InBrief(ctx context.Context, briefID string, fn func(Tx) error) error

	ReadCanvas(ctx context.Context, briefID string) (Brief, Graph, *EditLock, error)
	// ReadLock returns the stored lock row, expired or not, or nil.
	ReadLock(ctx context.Context, briefID string) (*EditLock, error)
	CreateBrief(ctx context.Context, b Brief, first Page) error
	ListSnapshots(ctx context.Context, briefID string, limit, offset int) ([]SnapshotInfo, int, error)
	// BriefsNeedingSnapshot lists active briefs updated after their most
	// recent snapshot, or never snapshotted at all.
	BriefsNeedingSnapshot(ctx context.Context) ([]string, error)

	// Role resolves what userID holds on briefID: RoleOwner for the owner,
	// the stored membership role otherwise, or "" for no access.
	Role(ctx context.Context, briefID, userID string) (rbac.Role, error)
	// PutMember inserts or replaces a membership.
	PutMember(ctx context.Context, m Member) error
	// DeleteMember is a no-op for users without a membership.
	DeleteMember(ctx context.Context, briefID, userID string) error
	ListMembers(ctx context.Context, briefID string) ([]Member, error)
	Ping(ctx context.Context) error
}
