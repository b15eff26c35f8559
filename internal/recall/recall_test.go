package recall

import (
	"context"
	"testing"
	"time"

	"github.com/memstore-dev/memstore/internal/embedding"
	"github.com/memstore-dev/memstore/internal/index"
)

func newTestIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.OpenMemory(8)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func newTestEmbedder(t *testing.T) embedding.Provider {
	t.Helper()
	p, err := embedding.NewProvider(embedding.ProviderConfig{Provider: "local", Dimensions: 8})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func seedMemory(t *testing.T, idx *index.Index, embedder embedding.Provider, id, namespace, summary, content string, ts time.Time) {
	t.Helper()
	vec, err := embedder.Embed(summary + "\n\n" + content)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	m := index.Memory{
		ID:        id,
		CommitID:  "abc1234567",
		Namespace: namespace,
		Domain:    "project",
		Summary:   summary,
		Content:   content,
		Timestamp: ts,
		Status:    "active",
	}
	if err := idx.Insert(m, vec); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestSearchVectorRanksBySimilarity(t *testing.T) {
	idx := newTestIndex(t)
	embedder := newTestEmbedder(t)
	seedMemory(t, idx, embedder, "decisions:abc1234:0", "decisions",
		"switched embedding backend to ollama for local inference", "details about ollama", time.Now())
	seedMemory(t, idx, embedder, "decisions:abc1234:1", "decisions",
		"unrelated note about continuous integration pipelines", "details about CI", time.Now())

	svc := &Service{Index: idx, Embedder: embedder, Domain: "project"}
	results, err := svc.Search(context.Background(), "ollama embedding backend", 5, Filters{}, ModeVector)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
}

func TestSearchTextMatchesKeyword(t *testing.T) {
	idx := newTestIndex(t)
	embedder := newTestEmbedder(t)
	seedMemory(t, idx, embedder, "decisions:abc1234:0", "decisions",
		"adopted gofrs flock for advisory locking", "body", time.Now())

	svc := &Service{Index: idx, Embedder: embedder, Domain: "project"}
	results, err := svc.Search(context.Background(), "gofrs flock", 5, Filters{}, ModeText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected a text match")
	}
}

func TestSearchHybridFusesBothSignals(t *testing.T) {
	idx := newTestIndex(t)
	embedder := newTestEmbedder(t)
	seedMemory(t, idx, embedder, "decisions:abc1234:0", "decisions",
		"adopted reciprocal rank fusion for hybrid search", "body text", time.Now())

	svc := &Service{Index: idx, Embedder: embedder, Domain: "project"}
	results, err := svc.Search(context.Background(), "reciprocal rank fusion", 5, Filters{}, ModeHybrid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one fused result")
	}
}

func TestSearchVectorDegradesToEmptyWithoutEmbedder(t *testing.T) {
	idx := newTestIndex(t)
	svc := &Service{Index: idx, Domain: "project"}

	results, err := svc.Search(context.Background(), "anything", 5, Filters{}, ModeVector)
	if err != nil {
		t.Fatalf("expected degradation to empty results, got error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestSearchVectorAppliesMinSimilarityCutoff(t *testing.T) {
	idx := newTestIndex(t)
	embedder := newTestEmbedder(t)
	seedMemory(t, idx, embedder, "decisions:abc1234:0", "decisions",
		"a note", "body", time.Now())

	svc := &Service{Index: idx, Embedder: embedder, Domain: "project"}
	results, err := svc.Search(context.Background(), "a note", 5, Filters{MinSimilarity: 1.01}, ModeVector)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected cutoff to exclude everything, got %d results", len(results))
	}
}

func TestSearchHybridBreaksTiesByTitleOverlap(t *testing.T) {
	idx := newTestIndex(t)
	embedder := newTestEmbedder(t)
	now := time.Now()
	seedMemory(t, idx, embedder, "decisions:aaa1111:0", "decisions",
		"a note with no relation to the query terms at all", "body", now)
	seedMemory(t, idx, embedder, "decisions:bbb2222:0", "decisions",
		"reciprocal rank fusion reciprocal rank fusion", "body", now)

	svc := &Service{Index: idx, Embedder: embedder, Domain: "project", VectorWeight: 1, TextWeight: 1}
	results, err := svc.Search(context.Background(), "reciprocal rank fusion", 5, Filters{}, ModeHybrid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one fused result")
	}
	if results[0].Memory.ID != "decisions:bbb2222:0" {
		t.Errorf("expected the memory with higher summary term overlap to rank first on a tie, got %+v", results)
	}
}

func TestTitleOverlapScoreFavorsHigherCoverage(t *testing.T) {
	terms := queryWordsForOverlap("reciprocal rank fusion")
	if len(terms) == 0 {
		t.Fatal("expected non-empty query terms")
	}

	high := titleOverlapScore(terms, "reciprocal rank fusion explained")
	low := titleOverlapScore(terms, "reciprocal something unrelated")
	if high <= low {
		t.Errorf("expected higher term coverage to score higher, got high=%v low=%v", high, low)
	}

	if titleOverlapScore(terms, "nothing in common here") != 0 {
		t.Error("expected zero overlap score when no terms match")
	}
	if titleOverlapScore(nil, "anything") != 0 {
		t.Error("expected zero overlap score for empty query terms")
	}
}

func TestHydrateSummaryLevelOmitsBody(t *testing.T) {
	idx := newTestIndex(t)
	m := index.Memory{ID: "decisions:abc1234:0", Namespace: "decisions", Summary: "s", Content: "full body", Status: "active", Timestamp: time.Now()}
	if err := idx.Insert(m, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	svc := &Service{Index: idx, Domain: "project"}
	hydrated, err := svc.Hydrate(context.Background(), m.ID, LevelSummary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hydrated.Body != "" {
		t.Errorf("expected no body at summary level, got %q", hydrated.Body)
	}
}

func TestHydrateUnknownIDErrors(t *testing.T) {
	idx := newTestIndex(t)
	svc := &Service{Index: idx, Domain: "project"}
	if _, err := svc.Hydrate(context.Background(), "decisions:nope:0", LevelSummary); err == nil {
		t.Error("expected an error for unknown id")
	}
}

func TestCrossDomainSearchMergesByScoreThenTimestamp(t *testing.T) {
	idxA := newTestIndex(t)
	idxB := newTestIndex(t)
	embedder := newTestEmbedder(t)

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	seedMemory(t, idxA, embedder, "decisions:aaa1111:0", "decisions", "shared topic alpha", "body", older)
	seedMemory(t, idxB, embedder, "decisions:bbb2222:0", "decisions", "shared topic alpha", "body", newer)

	svcA := &Service{Index: idxA, Embedder: embedder, Domain: "project"}
	svcB := &Service{Index: idxB, Embedder: embedder, Domain: "user"}

	results, err := CrossDomainSearch(context.Background(), []*Service{svcA, svcB}, "shared topic alpha", 5, Filters{}, ModeVector)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected results from both domains, got %d", len(results))
	}
}
