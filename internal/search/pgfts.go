package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type ResultType string

const (
	ResultDraft   ResultType = "draft"
	ResultVersion ResultType = "version"
)

type Query struct {
	Text   string
	CaseID string
	Limit  int
	Offset int
}

type Result struct {
	Type          ResultType
	ID            string
	DraftID       string
	Title         string
	Snippet       string
	VersionNumber int
}

// PgFTS searches drafts and their version history with PostgreSQL
// full-text search. Results never cross the requesting case.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search runs a UNION ALL query across live drafts and snapshots using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
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
	args := []any{q.Text, q.CaseID}

	subQueries := []string{
		fmt.Sprintf(`
			SELECT 'draft'::text AS type, d.id, d.id AS draft_id, d.title,
				ts_headline('english', d.plain_text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.current_version AS version_number,
				ts_rank(to_tsvector('english', d.title || ' ' || d.plain_text), %s) AS rank
			FROM drafts d
			WHERE d.case_id = $2
			  AND to_tsvector('english', d.title || ' ' || d.plain_text) @@ %s`,
			tsQuery, tsQuery, tsQuery),
		fmt.Sprintf(`
			SELECT 'version'::text AS type, s.id, s.draft_id, d.title,
				ts_headline('english', s.plain_text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.version_number,
				ts_rank(to_tsvector('english', s.plain_text), %s) AS rank
			FROM snapshots s
			JOIN drafts d ON d.id = s.draft_id
			WHERE d.case_id = $2
			  AND to_tsvector('english', s.plain_text) @@ %s`,
			tsQuery, tsQuery, tsQuery),
	}

	unionSQL := strings.Join(subQueries, " UNION ALL ")

	var total int
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", unionSQL)
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT type, id, draft_id, title, snippet, version_number
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, unionSQL, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.DraftID, &r.Title, &r.Snippet, &r.VersionNumber); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}
