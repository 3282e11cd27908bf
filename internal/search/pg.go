package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Postgres implements Searcher with an ILIKE title match, used as the
// fallback when Meilisearch is unavailable.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a PostgreSQL title searcher.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *Postgres) Healthy() bool {
	return true
}

// Search matches document titles case-insensitively, most recently
// updated first.
func (p *Postgres) Search(q Query) ([]Result, int, error) {
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

	pattern := "%" + escapeLike(q.Text) + "%"
	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM documents WHERE title ILIKE $1`,
		pattern,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pg search count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, COALESCE(owner_id, '')
		FROM documents
		WHERE title ILIKE $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`,
		pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.OwnerID); err != nil {
			return nil, 0, fmt.Errorf("pg search scan: %w", err)
		}
		r.Snippet = r.Title
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every document for full reindexing.
func (p *Postgres) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, COALESCE(owner_id, '')
		FROM documents
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		if err := rows.Scan(&d.ID, &d.Title, &d.OwnerID); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
