//go:build integration

package vcsnotes

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
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

func newTestRepo(t *testing.T) (string, string) {
	t.Helper()
	skipIfNoGit(t)

	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "a.txt")
	runGit(t, dir, "commit", "-m", "initial commit")
	commit := trimmed(runGit(t, dir, "rev-parse", "HEAD"))
	return dir, commit
}

func trimmed(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestAppendShowRemoveNote(t *testing.T) {
	dir, commit := newTestRepo(t)
	vn := &VcsNotes{repoDir: dir, refPrefix: "refs/notes/mem"}
	ctx := context.Background()

	note, err := vn.ShowNote(ctx, "decisions", commit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if note != nil {
		t.Fatalf("expected no note yet, got %q", *note)
	}

	if err := vn.AppendNote(ctx, "decisions", commit, "first\n"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := vn.AppendNote(ctx, "decisions", commit, "second\n"); err != nil {
		t.Fatalf("second append failed: %v", err)
	}

	note, err = vn.ShowNote(ctx, "decisions", commit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if note == nil {
		t.Fatal("expected note to exist")
	}
	if *note != "first\nsecond\n" {
		t.Errorf("expected concatenated note, got %q", *note)
	}

	if err := vn.RemoveNote(ctx, "decisions", commit); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	note, err = vn.ShowNote(ctx, "decisions", commit)
	if err != nil {
		t.Fatalf("unexpected error after remove: %v", err)
	}
	if note != nil {
		t.Fatalf("expected no note after remove, got %q", *note)
	}
}

func TestListNotesAndNamespaces(t *testing.T) {
	dir, commit := newTestRepo(t)
	vn := &VcsNotes{repoDir: dir, refPrefix: "refs/notes/mem"}
	ctx := context.Background()

	if err := vn.AppendNote(ctx, "decisions", commit, "content\n"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := vn.AppendNote(ctx, "progress", commit, "content\n"); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	entries, err := vn.ListNotes(ctx, "decisions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].CommitID != commit {
		t.Errorf("expected commit %q, got %q", commit, entries[0].CommitID)
	}

	namespaces, err := vn.ListNamespacesUsed(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := map[string]bool{}
	for _, ns := range namespaces {
		seen[ns] = true
	}
	if !seen["decisions"] || !seen["progress"] {
		t.Errorf("expected both namespaces used, got %v", namespaces)
	}
}

func TestValidationRejectsInjection(t *testing.T) {
	dir, commit := newTestRepo(t)
	vn := &VcsNotes{repoDir: dir, refPrefix: "refs/notes/mem"}
	ctx := context.Background()

	if err := vn.AppendNote(ctx, "bad namespace", commit, "x"); !memstoreerr.Is(err, memstoreerr.KindValidation) {
		t.Errorf("expected validation error for bad namespace, got %v", err)
	}
	if err := vn.AppendNote(ctx, "decisions", "--upload-pack=evil", "x"); !memstoreerr.Is(err, memstoreerr.KindValidation) {
		t.Errorf("expected validation error for commit starting with '-', got %v", err)
	}
}

func TestHeadCommitNoCommits(t *testing.T) {
	skipIfNoGit(t)
	dir := t.TempDir()
	runGit(t, dir, "init")

	vn := &VcsNotes{repoDir: dir, refPrefix: "refs/notes/mem"}
	_, err := vn.HeadCommit(context.Background())
	if err != memstoreerr.ErrNoCommits {
		t.Errorf("expected ErrNoCommits, got %v", err)
	}
}
