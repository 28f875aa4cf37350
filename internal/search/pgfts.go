package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements search using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across analyses, rubrics, and
// repositories using plainto_tsquery and ts_rank, with ts_headline for
// snippets.
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
	args := []any{q.Text}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultAnalysis {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'analysis'::text AS type, a.id,
				('Analysis of ' || r.name || ' @ ' || a.ref) AS title,
				ts_headline('english', coalesce(a.summary, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.status,
				ts_rank(a.fts, %s) AS rank
			FROM analyses a
			JOIN repositories r ON r.id = a.repository_id
			WHERE a.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultRubric {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'rubric'::text AS type, ru.id, ru.name AS title,
				ts_headline('english', coalesce(ru.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS status,
				ts_rank(ru.fts, %s) AS rank
			FROM rubrics ru
			WHERE ru.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultRepository {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'repository'::text AS type, rp.id, rp.name AS title,
				ts_headline('english', coalesce(rp.url, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				rp.status,
				ts_rank(rp.fts, %s) AS rank
			FROM repositories rp
			WHERE rp.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

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
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]AnalysisRecord, []RubricRecord, []RepositoryRecord, error) {
	analysisRows, err := p.db.QueryContext(ctx, `
		SELECT id, summary, ref, status, repository_id, rubric_id
		FROM analyses
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load analyses: %w", err)
	}
	defer analysisRows.Close()

	analyses := make([]AnalysisRecord, 0)
	for analysisRows.Next() {
		var a AnalysisRecord
		if err := analysisRows.Scan(&a.ID, &a.Summary, &a.Ref, &a.Status, &a.RepositoryID, &a.RubricID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan analysis: %w", err)
		}
		analyses = append(analyses, a)
	}
	if err := analysisRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate analyses: %w", err)
	}

	rubricRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, owner_id
		FROM rubrics
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load rubrics: %w", err)
	}
	defer rubricRows.Close()

	rubrics := make([]RubricRecord, 0)
	for rubricRows.Next() {
		var r RubricRecord
		if err := rubricRows.Scan(&r.ID, &r.Name, &r.Description, &r.OwnerID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan rubric: %w", err)
		}
		rubrics = append(rubrics, r)
	}
	if err := rubricRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate rubrics: %w", err)
	}

	repoRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, url, status
		FROM repositories
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load repositories: %w", err)
	}
	defer repoRows.Close()

	repositories := make([]RepositoryRecord, 0)
	for repoRows.Next() {
		var r RepositoryRecord
		if err := repoRows.Scan(&r.ID, &r.Name, &r.URL, &r.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan repository: %w", err)
		}
		repositories = append(repositories, r)
	}
	if err := repoRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate repositories: %w", err)
	}

	return analyses, rubrics, repositories, nil
}
