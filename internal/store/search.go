package store

import (
	"fmt"
	"strings"
)

// KeywordMatch is one full-text search hit.
type KeywordMatch struct {
	// ID is the matched work item ID.
	ID string
	// Score is a relevance score in (0, 1], derived from FTS rank order.
	Score float64
}

// KeywordSearch performs a full-text search over titles and descriptions.
// Results are ranked best-first. The query is tokenized and quoted so
// user input can never break the FTS expression.
func (s *Store) KeywordSearch(query string, limit int) ([]KeywordMatch, error) {
	ftsQuery := ftsExpression(query)
	if ftsQuery == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT w.id
		FROM work_items w
		JOIN work_items_fts fts ON w.rowid = fts.rowid
		WHERE work_items_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var matches []KeywordMatch
	pos := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		// Rank order decays 1, 1/2, 1/3... so scores are comparable
		// across queries without exposing raw BM25 values.
		matches = append(matches, KeywordMatch{ID: id, Score: 1.0 / float64(pos+1)})
		pos++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return matches, nil
}

// ftsExpression converts free text into a safe FTS5 expression:
// each token double-quoted, joined with OR.
func ftsExpression(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}
