package index

import (
	"testing"
	"time"
)

func testMemory(id, namespace string, tags []string) Memory {
	return Memory{
		ID:        id,
		CommitID:  "abc1234567",
		Namespace: namespace,
		Domain:    "project",
		Summary:   "a test summary for " + id,
		Content:   "body content for " + id,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    "active",
		Tags:      tags,
	}
}

func TestOpenMemoryMigratesSchema(t *testing.T) {
	idx, err := OpenMemory(8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	if v := idx.SchemaVersion(); v < 2 {
		t.Errorf("expected schema version >= 2, got %d", v)
	}
}

func TestInsertGetDelete(t *testing.T) {
	idx, err := OpenMemory(8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	m := testMemory("decisions:abc1234:0", "decisions", []string{"a", "b"})
	emb := make([]float32, 8)
	emb[0] = 1.0

	if err := idx.Insert(m, emb); err != nil {
		t.Fatalf("insert: %v", err)
	}

	exists, err := idx.Exists(m.ID)
	if err != nil || !exists {
		t.Fatalf("expected exists, got %v, err %v", exists, err)
	}

	got, err := idx.Get(m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Summary != m.Summary {
		t.Fatalf("expected matching memory, got %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "a" {
		t.Errorf("expected tags round-tripped, got %v", got.Tags)
	}

	if err := idx.Delete(m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	exists, _ = idx.Exists(m.ID)
	if exists {
		t.Error("expected memory to be gone after delete")
	}
}

func TestInsertIsIdempotentOnCollision(t *testing.T) {
	idx, err := OpenMemory(8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	m := testMemory("decisions:abc1234:0", "decisions", nil)
	emb := make([]float32, 8)
	if err := idx.Insert(m, emb); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	m.Summary = "updated summary"
	if err := idx.Insert(m, emb); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	got, err := idx.Get(m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary != "updated summary" {
		t.Errorf("expected upsert to replace row, got %q", got.Summary)
	}

	count, err := idx.Count("")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one row after collision, got %d", count)
	}
}

func TestGetExistingIDs(t *testing.T) {
	idx, err := OpenMemory(8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	emb := make([]float32, 8)
	for _, id := range []string{"decisions:abc1234:0", "decisions:abc1234:1"} {
		if err := idx.Insert(testMemory(id, "decisions", nil), emb); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	got, err := idx.GetExistingIDs([]string{"decisions:abc1234:0", "decisions:abc1234:1", "decisions:nope:0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got["decisions:abc1234:0"] || !got["decisions:abc1234:1"] {
		t.Errorf("expected both real ids present, got %v", got)
	}
	if got["decisions:nope:0"] {
		t.Errorf("expected nonexistent id absent, got %v", got)
	}
}

func TestIterAllIDsPaginates(t *testing.T) {
	idx, err := OpenMemory(8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	emb := make([]float32, 8)
	for i := 0; i < 5; i++ {
		id := testMemory(stringID(i), "decisions", nil)
		if err := idx.Insert(id, emb); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	ids, err := idx.IterAllIDs("", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 5 {
		t.Errorf("expected 5 ids across pages, got %d: %v", len(ids), ids)
	}
}

func stringID(i int) string {
	letters := "abcdefghijklmnopqrstuvwxyz"
	return "decisions:abc1234:" + string(letters[i])
}

func TestSearchVectorReturnsNearest(t *testing.T) {
	idx, err := OpenMemory(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	near := testMemory("decisions:abc1234:0", "decisions", nil)
	far := testMemory("decisions:abc1234:1", "decisions", nil)
	if err := idx.Insert(near, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("insert near: %v", err)
	}
	if err := idx.Insert(far, []float32{0, 0, 0, 1}); err != nil {
		t.Fatalf("insert far: %v", err)
	}

	results, err := idx.SearchVector([]float32{1, 0, 0, 0}, 2, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) == 0 || results[0].ID != near.ID {
		t.Fatalf("expected nearest result first, got %+v", results)
	}
}

func TestSearchVectorFiltersByNamespace(t *testing.T) {
	idx, err := OpenMemory(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	a := testMemory("decisions:abc1234:0", "decisions", nil)
	b := testMemory("progress:abc1234:0", "progress", nil)
	if err := idx.Insert(a, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := idx.Insert(b, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	results, err := idx.SearchVector([]float32{1, 0, 0, 0}, 10, Filters{Namespace: "progress"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range results {
		if r.ID != b.ID {
			t.Errorf("expected only progress-namespace results, got %+v", results)
		}
	}
}

func TestSearchTextFallsBackWithoutFTS(t *testing.T) {
	idx, err := OpenMemory(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	m := testMemory("decisions:abc1234:0", "decisions", nil)
	m.Summary = "switch to gofrs flock for advisory locking"
	if err := idx.Insert(m, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	results, err := idx.SearchText("gofrs flock", 10, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) == 0 || results[0].ID != m.ID {
		t.Fatalf("expected a keyword hit, got %+v", results)
	}
}

func TestInsertRebuildsFTSForTextSearch(t *testing.T) {
	idx, err := OpenMemory(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	m := testMemory("decisions:abc1234:0", "decisions", nil)
	m.Summary = "migrated the queue to nats jetstream"
	if err := idx.Insert(m, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	results, err := idx.SearchText("nats jetstream", 10, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) == 0 || results[0].ID != m.ID {
		t.Fatalf("expected fts to find the freshly inserted memory, got %+v", results)
	}
}

func TestDeleteRebuildsFTSRemovesHit(t *testing.T) {
	idx, err := OpenMemory(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	m := testMemory("decisions:abc1234:0", "decisions", nil)
	m.Summary = "rolled back the canary deploy"
	if err := idx.Insert(m, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := idx.Delete(m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	results, err := idx.SearchText("canary deploy", 10, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range results {
		if r.ID == m.ID {
			t.Fatalf("expected deleted memory to be gone from fts, got %+v", results)
		}
	}
}

func TestUpdateRebuildsFTSReflectsNewContent(t *testing.T) {
	idx, err := OpenMemory(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	m := testMemory("decisions:abc1234:0", "decisions", nil)
	m.Summary = "original summary about postgres"
	if err := idx.Insert(m, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	m.Summary = "revised summary about cockroachdb"
	if err := idx.Update(m, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	results, err := idx.SearchText("cockroachdb", 10, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) == 0 || results[0].ID != m.ID {
		t.Fatalf("expected fts to reflect the updated summary, got %+v", results)
	}

	stale, err := idx.SearchText("postgres", 10, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range stale {
		if r.ID == m.ID {
			t.Fatalf("expected stale summary to no longer match fts, got %+v", stale)
		}
	}
}

func TestRecordAndCheckEmbeddingCompat(t *testing.T) {
	idx, err := OpenMemory(8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	if err := idx.CheckEmbeddingCompat("ollama", "nomic-embed-text", 8); err != nil {
		t.Fatalf("expected a fresh index to be compatible with anything, got %v", err)
	}

	if err := idx.RecordEmbeddingMeta("ollama", "nomic-embed-text", 8); err != nil {
		t.Fatalf("record embedding meta: %v", err)
	}

	if err := idx.CheckEmbeddingCompat("ollama", "nomic-embed-text", 8); err != nil {
		t.Errorf("expected matching provider/model/dims to stay compatible, got %v", err)
	}

	if err := idx.CheckEmbeddingCompat("openai", "text-embedding-3-small", 1536); err == nil {
		t.Error("expected a provider/model/dims mismatch to be rejected")
	}
}

func TestRecordEmbeddingMetaIsStampedOnce(t *testing.T) {
	idx, err := OpenMemory(8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	if err := idx.RecordEmbeddingMeta("ollama", "nomic-embed-text", 8); err != nil {
		t.Fatalf("record embedding meta: %v", err)
	}
	// A later call with a different provider must not overwrite the
	// original stamp; the index was already populated under the first one.
	if err := idx.RecordEmbeddingMeta("openai", "text-embedding-3-small", 1536); err != nil {
		t.Fatalf("record embedding meta: %v", err)
	}

	if err := idx.CheckEmbeddingCompat("ollama", "nomic-embed-text", 8); err != nil {
		t.Errorf("expected first-recorded meta to stick, got %v", err)
	}
}

func TestVacuumAndIntegrityCheck(t *testing.T) {
	idx, err := OpenMemory(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer idx.Close()

	if err := idx.IntegrityCheck(); err != nil {
		t.Errorf("unexpected integrity error: %v", err)
	}
	if err := idx.Vacuum(); err != nil {
		t.Errorf("unexpected vacuum error: %v", err)
	}
	if v, ok := idx.GetMeta("last_sync"); !ok || v == "" {
		t.Errorf("expected last_sync to be recorded, got %q ok=%v", v, ok)
	}
}
