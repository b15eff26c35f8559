// Package recall implements RecallService: vector, text, and hybrid search
// over the index, plus progressive hydration of a memory's full body and
// changed files from the backing note store. Hybrid mode's score fusion
// follows spec.md §4.7's Reciprocal Rank Fusion, generalized from the
// teacher's internal/store/search.go HybridSearch (which fuses vector and
// keyword-title scores additively) into a rank-based fusion that doesn't
// require the two signals to share a scale.
package recall

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memstore-dev/memstore/internal/embedding"
	"github.com/memstore-dev/memstore/internal/index"
	"github.com/memstore-dev/memstore/internal/memstoreerr"
	"github.com/memstore-dev/memstore/internal/vcsnotes"
)

// Mode selects which signal(s) RecallService.Search consults.
type Mode string

const (
	ModeVector Mode = "vector"
	ModeText   Mode = "text"
	ModeHybrid Mode = "hybrid"
)

// Filters narrows a search beyond the index's own Filters: adds the
// post-fusion-only constraints from spec.md §4.7.
type Filters struct {
	index.Filters
	MinSimilarity float64
	DateFrom      time.Time
	DateTo        time.Time
}

// MemoryResult is one ranked hit (spec.md §4.7).
type MemoryResult struct {
	Memory index.Memory
	Score  float64
	Domain string
}

// HydrationLevel selects how much of a memory to return (spec.md §4.7).
type HydrationLevel int

const (
	LevelSummary HydrationLevel = iota
	LevelFull
	LevelFiles
)

// HydratedMemory is the progressively-enriched view returned by Hydrate.
type HydratedMemory struct {
	Memory index.Memory
	Body   string            // set at LevelFull and above
	Files  map[string]string // path -> content, set at LevelFiles
}

const (
	maxHydrationFiles      = 50
	maxHydrationFileBytes  = 512 * 1024
	maxHydrationTotalBytes = 5 * 1024 * 1024
)

// RRFK is the default k_rrf constant from spec.md §4.7.
const RRFK = 60.0

// Service is one domain's RecallService; CrossDomainSearch fans a query out
// across several.
type Service struct {
	Index    *index.Index
	Notes    *vcsnotes.VcsNotes
	Embedder embedding.Provider
	Domain   string

	// VectorWeight/TextWeight scale each source's RRF contribution
	// (spec.md §4.7 "configurable weights").
	VectorWeight float64
	TextWeight   float64
}

// Search runs query against mode, applying filters after fusion.
func (s *Service) Search(ctx context.Context, query string, k int, filters Filters, mode Mode) ([]MemoryResult, error) {
	if k <= 0 {
		k = 10
	}

	switch mode {
	case ModeVector:
		return s.searchVector(query, k, filters)
	case ModeText:
		return s.searchText(query, k, filters)
	default:
		return s.searchHybrid(query, k, filters)
	}
}

func (s *Service) embedQuery(query string) ([]float32, error) {
	if s.Embedder == nil {
		return nil, memstoreerr.New(memstoreerr.KindRecall, "recall.embed_query", "no embedding provider configured")
	}
	return s.Embedder.Embed(query)
}

// searchVector degrades to an empty result set (not an error) when the
// query can't be embedded, matching spec.md §7's documented degradation
// policy: vector-only recall returns nothing rather than failing the
// caller's request when the embedding provider is unavailable.
func (s *Service) searchVector(query string, k int, filters Filters) ([]MemoryResult, error) {
	vec, err := s.embedQuery(query)
	if err != nil {
		return nil, nil
	}
	hits, err := s.Index.SearchVector(vec, k, filters.Filters)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindRecall, "recall.search_vector", "index search failed", err)
	}

	var out []MemoryResult
	for _, h := range hits {
		similarity := 1.0 / (1.0 + h.Distance)
		if filters.MinSimilarity > 0 && similarity < filters.MinSimilarity {
			continue
		}
		m, err := s.Index.Get(h.ID)
		if err != nil || m == nil {
			continue
		}
		if !withinDateRange(*m, filters) {
			continue
		}
		out = append(out, MemoryResult{Memory: *m, Score: similarity, Domain: s.Domain})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *Service) searchText(query string, limit int, filters Filters) ([]MemoryResult, error) {
	hits, err := s.Index.SearchText(query, limit, filters.Filters)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindRecall, "recall.search_text", "index search failed", err)
	}
	var out []MemoryResult
	for _, h := range hits {
		m, err := s.Index.Get(h.ID)
		if err != nil || m == nil {
			continue
		}
		if !withinDateRange(*m, filters) {
			continue
		}
		// BM25 is "lower is better"; invert to a positive score so callers
		// get one consistent "higher is better" convention across modes.
		out = append(out, MemoryResult{Memory: *m, Score: -h.BM25, Domain: s.Domain})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// searchHybrid runs the vector and text queries concurrently, over-fetching
// each at 3*k, and fuses their rankings with Reciprocal Rank Fusion.
func (s *Service) searchHybrid(query string, k int, filters Filters) ([]MemoryResult, error) {
	overFetch := 3 * k

	var (
		wg         sync.WaitGroup
		vectorHits []index.VectorResult
		vectorErr  error
		textErr    error
		queryVec   []float32
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vec, err := s.embedQuery(query)
		if err != nil {
			vectorErr = err
			return
		}
		queryVec = vec
		vectorHits, vectorErr = s.Index.SearchVector(vec, overFetch, filters.Filters)
	}()

	var textResults []index.TextResult
	go func() {
		defer wg.Done()
		textResults, textErr = s.Index.SearchText(query, overFetch, filters.Filters)
	}()
	wg.Wait()

	_ = queryVec
	if vectorErr != nil && textErr != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindRecall, "recall.search_hybrid", "both vector and text search failed", vectorErr)
	}

	vectorWeight := s.VectorWeight
	if vectorWeight == 0 {
		vectorWeight = 1.0
	}
	textWeight := s.TextWeight
	if textWeight == 0 {
		textWeight = 1.0
	}

	fused := make(map[string]float64)
	if vectorErr == nil {
		for rank, h := range vectorHits {
			fused[h.ID] += vectorWeight / (RRFK + float64(rank+1))
		}
	}
	if textErr == nil {
		for rank, h := range textResults {
			fused[h.ID] += textWeight / (RRFK + float64(rank+1))
		}
	}

	ids := make([]string, 0, len(fused))
	memories := make(map[string]*index.Memory, len(fused))
	for id := range fused {
		m, err := s.Index.Get(id)
		if err != nil || m == nil {
			continue
		}
		ids = append(ids, id)
		memories[id] = m
	}

	queryTerms := queryWordsForOverlap(query)
	overlap := make(map[string]float64, len(ids))
	for _, id := range ids {
		overlap[id] = titleOverlapScore(queryTerms, memories[id].Summary)
	}

	sort.Slice(ids, func(i, j int) bool {
		if fused[ids[i]] != fused[ids[j]] {
			return fused[ids[i]] > fused[ids[j]]
		}
		return overlap[ids[i]] > overlap[ids[j]]
	})

	var out []MemoryResult
	for _, id := range ids {
		m := memories[id]
		if !withinDateRange(*m, filters) {
			continue
		}
		out = append(out, MemoryResult{Memory: *m, Score: fused[id], Domain: s.Domain})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// overlapWordRe tokenizes into word-ish runs for title-overlap scoring.
var overlapWordRe = regexp.MustCompile(`[\w]+`)

// overlapStopWords filters common English words out of overlap scoring, a
// pared-down version of the teacher's ranking.go stop-word list sized to
// this package's single use (hybrid tie-breaking, not general relevance
// ranking).
var overlapStopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "has": true,
	"was": true, "did": true, "with": true, "this": true, "that": true,
	"from": true, "into": true, "have": true, "were": true, "what": true,
	"when": true, "will": true, "about": true, "which": true, "there": true,
}

// queryWordsForOverlap extracts deduplicated, non-stopword query terms of
// 3+ characters, the set title-overlap scoring matches against.
func queryWordsForOverlap(query string) []string {
	words := overlapWordRe.FindAllString(query, -1)
	seen := make(map[string]bool, len(words))
	var out []string
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) < 3 || overlapStopWords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, lower)
	}
	return out
}

// titleOverlapScore measures bidirectional term overlap between queryTerms
// and a memory's summary, adapted from the teacher's
// internal/store/ranking.go TitleOverlapScore (title+path overlap) onto
// this package's title-equivalent field. Used only to break ties between
// memories the RRF fusion scores identically (spec.md §4.7's "some
// lexical signal beyond rank position").
func titleOverlapScore(queryTerms []string, summary string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	words := overlapWordRe.FindAllString(summary, -1)
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) >= 2 {
			wordSet[strings.ToLower(w)] = true
		}
	}
	if len(wordSet) == 0 {
		return 0
	}

	matched := 0
	for _, t := range queryTerms {
		if wordSet[t] {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	queryCoverage := float64(matched) / float64(len(queryTerms))
	wordCoverage := float64(matched) / float64(len(wordSet))
	return queryCoverage * wordCoverage
}

func withinDateRange(m index.Memory, filters Filters) bool {
	if !filters.DateFrom.IsZero() && m.Timestamp.Before(filters.DateFrom) {
		return false
	}
	if !filters.DateTo.IsZero() && m.Timestamp.After(filters.DateTo) {
		return false
	}
	return true
}

// Hydrate returns an increasingly complete view of a memory (spec.md §4.7).
func (s *Service) Hydrate(ctx context.Context, id string, level HydrationLevel) (*HydratedMemory, error) {
	m, err := s.Index.Get(id)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindRecall, "recall.hydrate", "index lookup failed", err)
	}
	if m == nil {
		return nil, memstoreerr.New(memstoreerr.KindRecall, "recall.hydrate", "memory not found")
	}

	hydrated := &HydratedMemory{Memory: *m}
	if level == LevelSummary {
		return hydrated, nil
	}

	note, err := s.Notes.ShowNote(ctx, m.Namespace, m.CommitID)
	if err != nil {
		return nil, err
	}
	if note != nil {
		hydrated.Body = m.Content
	}
	if level == LevelFull {
		return hydrated, nil
	}

	files, err := s.Notes.ChangedFiles(ctx, m.CommitID)
	if err != nil {
		return hydrated, nil // best effort: Files level degrades to Full on vcs error
	}
	hydrated.Files = make(map[string]string)
	totalBytes := 0
	for i, path := range files {
		if i >= maxHydrationFiles || totalBytes >= maxHydrationTotalBytes {
			break
		}
		content, err := s.Notes.ReadFileAtCommit(ctx, m.CommitID, path)
		if err != nil {
			continue
		}
		if len(content) > maxHydrationFileBytes {
			content = content[:maxHydrationFileBytes]
		}
		if totalBytes+len(content) > maxHydrationTotalBytes {
			content = content[:maxHydrationTotalBytes-totalBytes]
		}
		hydrated.Files[path] = content
		totalBytes += len(content)
	}
	return hydrated, nil
}

// CrossDomainSearch queries each of services, merging by fused score with a
// timestamp-descending tie-break (spec.md §4.7 "Cross-domain search").
func CrossDomainSearch(ctx context.Context, services []*Service, query string, k int, filters Filters, mode Mode) ([]MemoryResult, error) {
	var all []MemoryResult
	var firstErr error
	for _, svc := range services {
		results, err := svc.Search(ctx, query, k, filters, mode)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		all = append(all, results...)
	}
	if len(all) == 0 && firstErr != nil {
		return nil, firstErr
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Memory.Timestamp.After(all[j].Memory.Timestamp)
	})
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}
