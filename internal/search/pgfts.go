package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// It reads the generated briefs.fts column, which covers title, notes and
// the flattened block text kept in briefs.search_text.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	where := "b.archived_at IS NULL AND b.fts @@ " + tsQuery
	args := []any{q.Text}
	argN := 2
	if q.Reader != "" {
		where += fmt.Sprintf(" AND (b.owner_id = $%d OR EXISTS (SELECT 1 FROM brief_members m WHERE m.brief_id = b.id AND m.user_id = $%d))", argN, argN)
		args = append(args, q.Reader)
		argN++
	}
	if q.FilterOwner != "" {
		where += fmt.Sprintf(" AND b.owner_id = $%d", argN)
		args = append(args, q.FilterOwner)
		argN++
	}
	if q.FilterStatus != "" {
		where += fmt.Sprintf(" AND b.status = $%d", argN)
		args = append(args, q.FilterStatus)
	}

	countSQL := "SELECT count(*) FROM briefs b WHERE " + where
	dataSQL := fmt.Sprintf(`SELECT b.id, b.title, b.status,
			ts_headline('english', coalesce(nullif(b.search_text, ''), b.notes), %s, 'MaxFragments=1,MaxWords=30') AS snippet
		FROM briefs b
		WHERE %s
		ORDER BY ts_rank(b.fts, %s) DESC, b.updated_at DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.BriefID, &r.Title, &r.Status, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// StoreText saves the flattened block text that feeds the fts column.
func (p *PgFTS) StoreText(ctx context.Context, briefID, text string) error {
	if _, err := p.db.ExecContext(ctx, `UPDATE briefs SET search_text = $2 WHERE id = $1`, briefID, text); err != nil {
		return fmt.Errorf("store search text: %w", err)
	}
	return nil
}

// LoadAllRecords returns every active brief in indexable form for a full
// reindex. Text is whatever StoreText last saved.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]BriefRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT b.id, b.owner_id, b.title, b.notes, b.search_text, b.status, extract(epoch FROM b.updated_at)::bigint,
			coalesce((SELECT string_agg(m.user_id, ',' ORDER BY m.user_id) FROM brief_members m WHERE m.brief_id = b.id), '')
		FROM briefs b
		WHERE b.archived_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load briefs: %w", err)
	}
	defer rows.Close()

	records := make([]BriefRecord, 0)
	for rows.Next() {
		var (
			r       BriefRecord
			members string
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Title, &r.Notes, &r.Text, &r.Status, &r.UpdatedAt, &members); err != nil {
			return nil, fmt.Errorf("scan brief: %w", err)
		}
		r.Readers = append([]string{r.OwnerID}, splitMembers(members)...)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate briefs: %w", err)
	}
	return records, nil
}

func splitMembers(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
