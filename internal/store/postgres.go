package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/rbac"
)

// PostgresStore is the canvas.Repository backed by PostgreSQL. Every write
// path runs inside InBrief, which holds the brief row with SELECT ... FOR
// UPDATE until commit; that row lock is what serializes lock acquisition
// and batch writes across processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const selectBrief = `
	SELECT id, owner_id, title, notes, status, revision_hwm, created_at, updated_at, archived_at
	FROM briefs
	WHERE id = $1 AND archived_at IS NULL
`

func scanBrief(row *sql.Row) (canvas.Brief, error) {
	var (
		b        canvas.Brief
		archived sql.NullTime
	)
	err := row.Scan(&b.ID, &b.OwnerID, &b.Title, &b.Notes, &b.Status, &b.RevisionHWM, &b.CreatedAt, &b.UpdatedAt, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Brief{}, canvas.ErrBriefNotFound
	}
	if err != nil {
		return canvas.Brief{}, fmt.Errorf("read brief: %w", err)
	}
	if archived.Valid {
		t := archived.Time
		b.ArchivedAt = &t
	}
	return b, nil
}

func (s *PostgresStore) InBrief(ctx context.Context, briefID string, fn func(canvas.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	brief, err := scanBrief(tx.QueryRowContext(ctx, selectBrief+` FOR UPDATE`, briefID))
	if err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx, brief: brief}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) ReadCanvas(ctx context.Context, briefID string) (canvas.Brief, canvas.Graph, *canvas.EditLock, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return canvas.Brief{}, canvas.Graph{}, nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	brief, err := scanBrief(tx.QueryRowContext(ctx, selectBrief, briefID))
	if err != nil {
		return canvas.Brief{}, canvas.Graph{}, nil, err
	}
	g, err := loadGraph(ctx, tx, briefID)
	if err != nil {
		return canvas.Brief{}, canvas.Graph{}, nil, err
	}
	lock, err := loadLock(ctx, tx, briefID)
	if err != nil {
		return canvas.Brief{}, canvas.Graph{}, nil, err
	}
	return brief, g, lock, nil
}

func (s *PostgresStore) ReadLock(ctx context.Context, briefID string) (*canvas.EditLock, error) {
	if err := s.ensureBrief(ctx, briefID); err != nil {
		return nil, err
	}
	return loadLock(ctx, s.db, briefID)
}

func (s *PostgresStore) CreateBrief(ctx context.Context, b canvas.Brief, first canvas.Page) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO briefs (id, owner_id, title, notes, status, revision_hwm, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.OwnerID, b.Title, b.Notes, b.Status, b.RevisionHWM, b.CreatedAt, b.UpdatedAt); err != nil {
		return fmt.Errorf("insert brief: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO brief_pages (brief_id, id, title, index_no) VALUES ($1, $2, $3, $4)
	`, b.ID, first.ID, first.Title, first.Index); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit brief: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, briefID string, limit, offset int) ([]canvas.SnapshotInfo, int, error) {
	if err := s.ensureBrief(ctx, briefID); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM brief_snapshots WHERE brief_id=$1`, briefID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count snapshots: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_by, reason, created_at
		FROM brief_snapshots
		WHERE brief_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, briefID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]canvas.SnapshotInfo, 0)
	for rows.Next() {
		var item canvas.SnapshotInfo
		if err := rows.Scan(&item.ID, &item.CreatedBy, &item.Reason, &item.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan snapshot: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) BriefsNeedingSnapshot(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id
		FROM briefs b
		LEFT JOIN LATERAL (
			SELECT MAX(created_at) AS last_at FROM brief_snapshots s WHERE s.brief_id = b.id
		) latest ON TRUE
		WHERE b.archived_at IS NULL
			AND (latest.last_at IS NULL OR b.updated_at > latest.last_at)
		ORDER BY b.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list changed briefs: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan brief id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Role(ctx context.Context, briefID, userID string) (rbac.Role, error) {
	var owner, role string
	err := s.db.QueryRowContext(ctx, `
		SELECT b.owner_id, COALESCE(m.role, '')
		FROM briefs b
		LEFT JOIN brief_members m ON m.brief_id = b.id AND m.user_id = $2
		WHERE b.id = $1 AND b.archived_at IS NULL
	`, briefID, userID).Scan(&owner, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", canvas.ErrBriefNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	if userID != "" && userID == owner {
		return rbac.RoleOwner, nil
	}
	return rbac.Role(role), nil
}

func (s *PostgresStore) PutMember(ctx context.Context, m canvas.Member) error {
	if err := s.ensureBrief(ctx, m.BriefID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO brief_members (brief_id, user_id, role, added_by, added_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (brief_id, user_id) DO UPDATE
		SET role=EXCLUDED.role, added_by=EXCLUDED.added_by, added_at=EXCLUDED.added_at
	`, m.BriefID, m.UserID, string(m.Role), m.AddedBy, m.AddedAt); err != nil {
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMember(ctx context.Context, briefID, userID string) error {
	if err := s.ensureBrief(ctx, briefID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM brief_members WHERE brief_id=$1 AND user_id=$2`, briefID, userID); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, briefID string) ([]canvas.Member, error) {
	if err := s.ensureBrief(ctx, briefID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role, added_by, added_at
		FROM brief_members
		WHERE brief_id=$1
		ORDER BY user_id
	`, briefID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := make([]canvas.Member, 0)
	for rows.Next() {
		m := canvas.Member{BriefID: briefID}
		var role string
		if err := rows.Scan(&m.UserID, &role, &m.AddedBy, &m.AddedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Role = rbac.Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ensureBrief(ctx context.Context, briefID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM briefs WHERE id=$1 AND archived_at IS NULL)`, briefID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check brief: %w", err)
	}
	if !exists {
		return canvas.ErrBriefNotFound
	}
	return nil
}

func loadGraph(ctx context.Context, q queryer, briefID string) (canvas.Graph, error) {
	g := canvas.Graph{Pages: []canvas.Page{}, Blocks: []canvas.Block{}}

	pageRows, err := q.QueryContext(ctx, `
		SELECT id, title, index_no FROM brief_pages WHERE brief_id=$1 ORDER BY index_no, id
	`, briefID)
	if err != nil {
		return canvas.Graph{}, fmt.Errorf("list pages: %w", err)
	}
	defer pageRows.Close()
	for pageRows.Next() {
		p := canvas.Page{BriefID: briefID}
		if err := pageRows.Scan(&p.ID, &p.Title, &p.Index); err != nil {
			return canvas.Graph{}, fmt.Errorf("scan page: %w", err)
		}
		g.Pages = append(g.Pages, p)
	}
	if err := pageRows.Err(); err != nil {
		return canvas.Graph{}, fmt.Errorf("iterate pages: %w", err)
	}

	blockRows, err := q.QueryContext(ctx, `
		SELECT id, page_id, type, x, y, w, h, z, content, revision, updated_at
		FROM brief_blocks
		WHERE brief_id=$1
		ORDER BY page_id, z, id
	`, briefID)
	if err != nil {
		return canvas.Graph{}, fmt.Errorf("list blocks: %w", err)
	}
	defer blockRows.Close()
	for blockRows.Next() {
		var (
			b       canvas.Block
			content []byte
		)
		if err := blockRows.Scan(&b.ID, &b.PageID, &b.Type, &b.Rect.X, &b.Rect.Y, &b.Rect.W, &b.Rect.H, &b.Z, &content, &b.Revision, &b.UpdatedAt); err != nil {
			return canvas.Graph{}, fmt.Errorf("scan block: %w", err)
		}
		if content != nil {
			b.Content = json.RawMessage(content)
		}
		g.Blocks = append(g.Blocks, b)
	}
	if err := blockRows.Err(); err != nil {
		return canvas.Graph{}, fmt.Errorf("iterate blocks: %w", err)
	}
	return g, nil
}

func loadLock(ctx context.Context, q queryer, briefID string) (*canvas.EditLock, error) {
	l := canvas.EditLock{BriefID: briefID}
	err := q.QueryRowContext(ctx, `
		SELECT holder, holder_name, token_hash, acquired_at, expires_at FROM brief_locks WHERE brief_id=$1
	`, briefID).Scan(&l.Holder, &l.HolderName, &l.TokenHash, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	return &l, nil
}

type pgTx struct {
	tx    *sql.Tx
	brief canvas.Brief
}

func (t *pgTx) Brief() canvas.Brief { return t.brief }

func (t *pgTx) UpdateBrief(ctx context.Context, b canvas.Brief) error {
	var archived any
	if b.ArchivedAt != nil {
		archived = *b.ArchivedAt
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE briefs
		SET title=$2, notes=$3, status=$4, revision_hwm=$5, updated_at=$6, archived_at=$7
		WHERE id=$1
	`, t.brief.ID, b.Title, b.Notes, b.Status, b.RevisionHWM, b.UpdatedAt, archived)
	if err != nil {
		return fmt.Errorf("update brief: %w", err)
	}
	b.ID = t.brief.ID
	t.brief = b
	return nil
}

func (t *pgTx) Lock(ctx context.Context) (*canvas.EditLock, error) {
	return loadLock(ctx, t.tx, t.brief.ID)
}

func (t *pgTx) PutLock(ctx context.Context, l canvas.EditLock) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO brief_locks (brief_id, holder, holder_name, token_hash, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (brief_id) DO UPDATE
		SET holder=EXCLUDED.holder, holder_name=EXCLUDED.holder_name, token_hash=EXCLUDED.token_hash,
			acquired_at=EXCLUDED.acquired_at, expires_at=EXCLUDED.expires_at
	`, t.brief.ID, l.Holder, l.HolderName, l.TokenHash, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put lock: %w", err)
	}
	return nil
}

func (t *pgTx) ClearLock(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM brief_locks WHERE brief_id=$1`, t.brief.ID); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	return nil
}

func (t *pgTx) Graph(ctx context.Context) (canvas.Graph, error) {
	return loadGraph(ctx, t.tx, t.brief.ID)
}

// ApplyChanges deletes before it upserts so a page removed and a block moved
// in the same batch never trip the page foreign key.
func (t *pgTx) ApplyChanges(ctx context.Context, cs canvas.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	if len(cs.DeleteBlocks) > 0 {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM brief_blocks WHERE brief_id=$1 AND id = ANY($2)`, t.brief.ID, cs.DeleteBlocks); err != nil {
			return fmt.Errorf("delete blocks: %w", err)
		}
	}
	if len(cs.DeletePages) > 0 {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM brief_pages WHERE brief_id=$1 AND id = ANY($2)`, t.brief.ID, cs.DeletePages); err != nil {
			return fmt.Errorf("delete pages: %w", err)
		}
	}
	for _, p := range cs.UpsertPages {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO brief_pages (brief_id, id, title, index_no) VALUES ($1, $2, $3, $4)
			ON CONFLICT (brief_id, id) DO UPDATE SET title=EXCLUDED.title, index_no=EXCLUDED.index_no
		`, t.brief.ID, p.ID, p.Title, p.Index); err != nil {
			return fmt.Errorf("upsert page %s: %w", p.ID, err)
		}
	}
	for _, b := range cs.UpsertBlocks {
		var content any
		if len(b.Content) > 0 {
			content = string(b.Content)
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO brief_blocks (brief_id, id, page_id, type, x, y, w, h, z, content, revision, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12)
			ON CONFLICT (brief_id, id) DO UPDATE
			SET page_id=EXCLUDED.page_id, type=EXCLUDED.type,
				x=EXCLUDED.x, y=EXCLUDED.y, w=EXCLUDED.w, h=EXCLUDED.h, z=EXCLUDED.z,
				content=EXCLUDED.content, revision=EXCLUDED.revision, updated_at=EXCLUDED.updated_at
		`, t.brief.ID, b.ID, b.PageID, string(b.Type), b.Rect.X, b.Rect.Y, b.Rect.W, b.Rect.H, b.Z, content, b.Revision, b.UpdatedAt); err != nil {
			return fmt.Errorf("upsert block %s: %w", b.ID, err)
		}
	}
	return nil
}

func (t *pgTx) InsertSnapshot(ctx context.Context, snap canvas.Snapshot) error {
	payload, err := json.Marshal(snap.Graph)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO brief_snapshots (id, brief_id, created_by, reason, created_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, snap.ID, t.brief.ID, snap.CreatedBy, snap.Reason, snap.CreatedAt, string(payload))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (t *pgTx) Snapshot(ctx context.Context, id string) (canvas.Snapshot, error) {
	var (
		snap    canvas.Snapshot
		payload []byte
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, brief_id, created_by, reason, created_at, payload
		FROM brief_snapshots
		WHERE id=$1 AND brief_id=$2
	`, id, t.brief.ID).Scan(&snap.ID, &snap.BriefID, &snap.CreatedBy, &snap.Reason, &snap.CreatedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Snapshot{}, canvas.ErrSnapshotNotFound
	}
	if err != nil {
		return canvas.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, &snap.Graph); err != nil {
		return canvas.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return snap, nil
}

var _ canvas.Repository = (*PostgresStore)(nil)
