package index

import (
	"database/sql"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

func serializeVector(v []float32) ([]byte, error) {
	return sqlite_vec.SerializeFloat32(v)
}

// Filters narrows a search_vector/search_text call (spec.md §4.5, §4.7).
type Filters struct {
	Namespace string
	Spec      string
	Domain    string
	Status    string
}

func (f Filters) clauseAndArgs(alias string) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	col := func(c string) string {
		if alias == "" {
			return c
		}
		return alias + "." + c
	}
	if f.Namespace != "" {
		clauses = append(clauses, col("namespace")+" = ?")
		args = append(args, f.Namespace)
	}
	if f.Spec != "" {
		clauses = append(clauses, col("spec")+" = ?")
		args = append(args, f.Spec)
	}
	if f.Domain != "" {
		clauses = append(clauses, col("domain")+" = ?")
		args = append(args, f.Domain)
	}
	if f.Status != "" {
		clauses = append(clauses, col("status")+" = ?")
		args = append(args, f.Status)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// VectorResult is a single KNN hit.
type VectorResult struct {
	ID       string
	Distance float64
}

// SearchVector runs a KNN search over memory_vectors, joined back against
// memories for post-filtering (spec.md §4.5 "KNN with post-filter").
func (idx *Index) SearchVector(queryEmbedding []float32, k int, filters Filters) ([]VectorResult, error) {
	if k <= 0 {
		k = 10
	}
	vecData, err := serializeVector(queryEmbedding)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.search_vector", "serialize query vector", err)
	}

	// Over-fetch to leave headroom for post-filtering, matching the
	// teacher's fetchK = topK * 5 convention.
	fetchK := k * 5
	if fetchK < k {
		fetchK = k
	}

	where, args := filters.clauseAndArgs("m")
	query := `
		SELECT v.id, v.distance
		FROM memory_vectors v
		JOIN memories m ON m.id = v.id
		WHERE v.embedding MATCH ? AND k = ?` + where + `
		ORDER BY v.distance
		LIMIT ?`
	queryArgs := append([]interface{}{vecData, fetchK}, args...)
	queryArgs = append(queryArgs, k)

	rows, err := idx.conn.Query(query, queryArgs...)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.search_vector", "query failed", err)
	}
	defer rows.Close()

	var out []VectorResult
	for rows.Next() {
		var r VectorResult
		if err := rows.Scan(&r.ID, &r.Distance); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TextResult is a single BM25 hit; BM25 scores more negative is better
// (SQLite's FTS5 bm25() convention), preserved as-is for callers to invert.
type TextResult struct {
	ID   string
	BM25 float64
}

// SearchText runs an FTS5 BM25 search, falling back to a LIKE-based scan
// scored by term-match count when FTS5 is unavailable on this build.
func (idx *Index) SearchText(query string, limit int, filters Filters) ([]TextResult, error) {
	if limit <= 0 {
		limit = 10
	}
	terms := extractTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	if idx.ftsAvailable {
		return idx.searchTextFTS(terms, limit, filters)
	}
	return idx.searchTextLike(terms, limit, filters)
}

func (idx *Index) searchTextFTS(terms []string, limit int, filters Filters) ([]TextResult, error) {
	matchExpr := strings.Join(quoteFTSTerms(terms), " OR ")
	where, args := filters.clauseAndArgs("m")

	sqlQuery := `
		SELECT m.id, bm25(memories_fts) AS score
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?` + where + `
		ORDER BY score
		LIMIT ?`
	queryArgs := append([]interface{}{matchExpr}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := idx.conn.Query(sqlQuery, queryArgs...)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.search_text", "fts query failed", err)
	}
	defer rows.Close()

	var out []TextResult
	for rows.Next() {
		var r TextResult
		if err := rows.Scan(&r.ID, &r.BM25); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// searchTextLike is the degraded fallback when FTS5 is absent: a LIKE scan
// over summary+content, scored by how many distinct terms match so results
// still rank roughly by relevance.
func (idx *Index) searchTextLike(terms []string, limit int, filters Filters) ([]TextResult, error) {
	where, args := filters.clauseAndArgs("")
	rows, err := idx.conn.Query(`SELECT id, summary, content FROM memories WHERE 1=1`+where, args...)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "index.search_text", "like query failed", err)
	}
	defer rows.Close()

	var candidates []scoredID
	for rows.Next() {
		var id, summary, content string
		if err := rows.Scan(&id, &summary, &content); err != nil {
			return nil, err
		}
		haystack := strings.ToLower(summary + "\n" + content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(haystack, t) {
				matched++
			}
		}
		if matched > 0 {
			candidates = append(candidates, scoredID{id, matched})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortScoredDesc(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]TextResult, 0, len(candidates))
	for _, c := range candidates {
		// Invert to a bm25-like "lower is better" scale so callers don't
		// need two sort conventions.
		out = append(out, TextResult{ID: c.id, BM25: -float64(c.score)})
	}
	return out, nil
}

type scoredID struct {
	id    string
	score int
}

func sortScoredDesc(xs []scoredID) {
	for i := 1; i < len(xs); i++ {
		j := i
		for j > 0 && xs[j-1].score < xs[j].score {
			xs[j-1], xs[j] = xs[j], xs[j-1]
			j--
		}
	}
}

func extractTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	var terms []string
	seen := make(map[string]bool)
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func quoteFTSTerms(terms []string) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return out
}

var _ = sql.ErrNoRows
