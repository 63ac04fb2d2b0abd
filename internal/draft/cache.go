package draft

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Cache is the durable local mirror of unsaved edits, one entry per brief.
type Cache interface {
	Put(ctx context.Context, d Draft) error
	Get(ctx context.Context, briefID string) (Draft, bool, error)
	Delete(ctx context.Context, briefID string) error
}

// SQLiteCache keeps drafts in a local SQLite file so they survive restarts
// of the editing client.
type SQLiteCache struct {
	conn *sql.DB
}

func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create draft cache directory: %w", err)
	}
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS drafts (
		brief_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate draft cache: %w", err)
	}
	return &SQLiteCache{conn: conn}, nil
}

func (c *SQLiteCache) Close() error {
	return c.conn.Close()
}

func (c *SQLiteCache) Put(ctx context.Context, d Draft) error {
	payload, err := json.Marshal(d.Content)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	_, err = c.conn.ExecContext(ctx, `
		INSERT INTO drafts (brief_id, content, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(brief_id) DO UPDATE SET content=excluded.content, saved_at=excluded.saved_at
	`, d.BriefID, string(payload), d.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("write draft: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Get(ctx context.Context, briefID string) (Draft, bool, error) {
	var (
		payload string
		savedAt int64
	)
	err := c.conn.QueryRowContext(ctx, `SELECT content, saved_at FROM drafts WHERE brief_id = ?`, briefID).Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, false, nil
	}
	if err != nil {
		return Draft{}, false, fmt.Errorf("read draft: %w", err)
	}
	d := Draft{BriefID: briefID, Timestamp: time.Unix(0, savedAt).UTC()}
	if err := json.Unmarshal([]byte(payload), &d.Content); err != nil {
		return Draft{}, false, fmt.Errorf("decode draft: %w", err)
	}
	return d, true, nil
}

func (c *SQLiteCache) Delete(ctx context.Context, briefID string) error {
	if _, err := c.conn.ExecContext(ctx, `DELETE FROM drafts WHERE brief_id = ?`, briefID); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}
