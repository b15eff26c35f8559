package vcsnotes

import (
	"bufio"
	"context"
	"strings"
)

// ChangedFiles lists paths touched by commit, for RecallService's Files
// hydration level (spec.md §4.7). Grounded on the same `git diff --numstat`
// / `--name-only` plumbing style used for staged-diff stats elsewhere in
// the corpus, here applied to a single commit against its first parent.
func (v *VcsNotes) ChangedFiles(ctx context.Context, commit string) ([]string, error) {
	if err := validateCommit(commit); err != nil {
		return nil, err
	}
	out, err := v.run(ctx, "vcsnotes.changed_files", "show", "--name-only", "--pretty=format:", commit)
	if err != nil {
		return nil, err
	}
	var files []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// ReadFileAtCommit returns the content of path as it existed at commit.
func (v *VcsNotes) ReadFileAtCommit(ctx context.Context, commit, path string) (string, error) {
	if err := validateCommit(commit); err != nil {
		return "", err
	}
	return v.run(ctx, "vcsnotes.read_file_at_commit", "show", commit+":"+path)
}
