//go:build integration

package sync

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/memstore-dev/memstore/internal/capture"
	"github.com/memstore-dev/memstore/internal/config"
	"github.com/memstore-dev/memstore/internal/embedding"
	"github.com/memstore-dev/memstore/internal/index"
	"github.com/memstore-dev/memstore/internal/secrets"
	"github.com/memstore-dev/memstore/internal/vcsnotes"
)

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping integration test")
	}
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return string(out)
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	skipIfNoGit(t)
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "commit", "--allow-empty", "-m", "initial commit")
	return dir
}

func newTestStack(t *testing.T, repoDir string) (*capture.Service, *Service) {
	t.Helper()

	idx, err := index.OpenMemory(8)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	embedder, err := embedding.NewProvider(embedding.ProviderConfig{Provider: "local", Dimensions: 8})
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	notes := vcsnotes.ForDomain(config.DomainProject, repoDir, repoDir, "refs/notes/mem")

	captureSvc := &capture.Service{
		Notes:       notes,
		Index:       idx,
		Embedder:    embedder,
		Secrets:     secrets.DefaultPolicy(),
		LockPath:    filepath.Join(t.TempDir(), ".capture.lock"),
		LockTimeout: 0,
		Domain:      config.DomainProject,
	}
	syncSvc := &Service{
		Notes:    notes,
		Index:    idx,
		Embedder: embedder,
		Domain:   config.DomainProject,
	}
	return captureSvc, syncSvc
}

func TestReindexFullRebuildsFromNotes(t *testing.T) {
	repoDir := newTestRepo(t)
	captureSvc, syncSvc := newTestStack(t, repoDir)
	ctx := context.Background()

	result, err := captureSvc.Capture(ctx, capture.Input{
		Namespace: "decisions", Summary: "chose RRF for hybrid fusion", Content: "rank-based, not additive",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := syncSvc.Index.Delete(result.Memory.ID); err != nil {
		t.Fatalf("unexpected error clearing index: %v", err)
	}

	stats, err := syncSvc.Reindex(ctx, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.NewlyIndexed != 1 {
		t.Errorf("expected 1 newly indexed record, got %d", stats.NewlyIndexed)
	}

	got, err := syncSvc.Index.Get(result.Memory.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected memory to be restored by reindex")
	}
}

func TestVerifyConsistencyDetectsOrphanAndMissing(t *testing.T) {
	repoDir := newTestRepo(t)
	captureSvc, syncSvc := newTestStack(t, repoDir)
	ctx := context.Background()

	result, err := captureSvc.Capture(ctx, capture.Input{
		Namespace: "blockers", Summary: "flaky CI test", Content: "intermittent timeout",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Remove its index row without touching the note: should surface as missing.
	if err := syncSvc.Index.Delete(result.Memory.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Insert an orphan row with no backing note.
	orphan := capture.MemoryID("blockers", "deadbeefcafe", 0)
	if err := syncSvc.Index.Insert(indexMemoryStub(orphan), nil); err != nil {
		t.Fatalf("unexpected error inserting orphan: %v", err)
	}

	verification, err := syncSvc.VerifyConsistency(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !contains(verification.MissingInIndex, result.Memory.ID) {
		t.Errorf("expected %q in missing set, got %v", result.Memory.ID, verification.MissingInIndex)
	}
	if !contains(verification.OrphanedInIndex, orphan) {
		t.Errorf("expected %q in orphaned set, got %v", orphan, verification.OrphanedInIndex)
	}
}

func TestRepairConvergesAndIsIdempotent(t *testing.T) {
	repoDir := newTestRepo(t)
	captureSvc, syncSvc := newTestStack(t, repoDir)
	ctx := context.Background()

	result, err := captureSvc.Capture(ctx, capture.Input{
		Namespace: "learnings", Summary: "sqlite-vec needs dims fixed at table creation", Content: "body",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := syncSvc.Index.Delete(result.Memory.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	repaired, err := syncSvc.Repair(ctx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repaired == 0 {
		t.Error("expected at least one repaired record")
	}

	again, err := syncSvc.Repair(ctx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != 0 {
		t.Errorf("expected idempotent repair to fix nothing further, got %d", again)
	}
}

func TestSyncNoteToIndexSyncsSingleNote(t *testing.T) {
	repoDir := newTestRepo(t)
	captureSvc, syncSvc := newTestStack(t, repoDir)
	ctx := context.Background()

	result, err := captureSvc.Capture(ctx, capture.Input{
		Namespace: "progress", Summary: "wired RRF fusion", Content: "body",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := syncSvc.Index.Delete(result.Memory.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := syncSvc.SyncNoteToIndex(ctx, "progress", result.Memory.CommitID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record synced, got %d", n)
	}
}

func TestWatchReindexesOnNoteChange(t *testing.T) {
	repoDir := newTestRepo(t)
	captureSvc, syncSvc := newTestStack(t, repoDir)
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	gitDir, err := syncSvc.Notes.GitRefsDir(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- syncSvc.Watch(ctx, gitDir) }()

	// Give the watcher a moment to finish setting up its directory watch
	// before the note file it needs to see gets created.
	time.Sleep(200 * time.Millisecond)

	result, err := captureSvc.Capture(context.Background(), capture.Input{
		Namespace: "decisions", Summary: "watch-triggered capture", Content: "body",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := syncSvc.Index.Delete(result.Memory.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// debounceDelay is 2s; give the watcher enough headroom to flush and
	// reindex before the context deadline cancels it.
	time.Sleep(3 * time.Second)
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}

	got, err := syncSvc.Index.Get(result.Memory.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected the watcher to have reindexed the memory removed above")
	}
}

func contains(xs []string, target string) bool {
	for _, x := range xs {
		if x == target {
			return true
		}
	}
	return false
}

func indexMemoryStub(id string) index.Memory {
	return index.Memory{ID: id, CommitID: "deadbeefcafe", Namespace: "blockers", Domain: "project", Summary: "orphan", Content: "orphan body", Status: "active"}
}
