// Package vcsnotes appends, reads, lists, and removes notes attached to
// commits under namespaced git refs notes (refs/notes/<namespace>). It is
// the durability layer beneath the capture and recall pipelines: a
// successful append is a committed ref update, nothing more is needed to
// call a memory durable.
package vcsnotes

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/memstore-dev/memstore/internal/config"
	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

var (
	namespacePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	commitPattern    = regexp.MustCompile(`^[a-zA-Z0-9_./@^~-]+$`)
)

// Entry is a single (note_id, commit_id) pair as listed by `git notes list`.
type Entry struct {
	NoteID   string
	CommitID string
}

// VcsNotes reads and writes notes within one repository, under one
// configured ref prefix. A project and a user domain each get their own
// instance bound to a different repository (spec.md §4.1's for_domain).
type VcsNotes struct {
	repoDir   string
	refPrefix string
}

// ForDomain returns a VcsNotes instance bound to the repository backing the
// given domain: the working repository for DomainProject, or the bare
// notes repository in the configured data directory for DomainUser.
func ForDomain(domain config.Domain, repoRoot, dataDir, refPrefix string) *VcsNotes {
	switch domain {
	case config.DomainUser:
		return &VcsNotes{repoDir: config.UserNotesRepoPath(dataDir), refPrefix: refPrefix}
	default:
		return &VcsNotes{repoDir: repoRoot, refPrefix: refPrefix}
	}
}

func (v *VcsNotes) ref(namespace string) string {
	return v.refPrefix + "/" + namespace
}

func validateNamespace(namespace string) error {
	if !namespacePattern.MatchString(namespace) {
		return memstoreerr.New(memstoreerr.KindValidation, "vcsnotes.validate",
			fmt.Sprintf("invalid namespace %q", namespace))
	}
	return nil
}

func validateCommit(commit string) error {
	if commit == "" || strings.HasPrefix(commit, "-") || !commitPattern.MatchString(commit) {
		return memstoreerr.New(memstoreerr.KindValidation, "vcsnotes.validate",
			fmt.Sprintf("invalid commit reference %q", commit)).
			WithHint("commit must match [a-zA-Z0-9_./@^~-]+ and not begin with '-'")
	}
	return nil
}

// run executes git in the bound repository with a sanitized environment,
// returning trimmed stdout or a wrapped *memstoreerr.Error on failure.
func (v *VcsNotes) run(ctx context.Context, op string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = v.repoDir
	cmd.Env = sanitizedEnv()
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		return "", classifyGitError(op, stderr, err)
	}
	return strings.TrimRight(string(out), " \t\r\n"), nil
}

func (v *VcsNotes) runSilent(ctx context.Context, op string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = v.repoDir
	cmd.Env = sanitizedEnv()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return classifyGitError(op, string(out), err)
	}
	return nil
}

func classifyGitError(op, stderr string, err error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "no note found"):
		return memstoreerr.Wrap(memstoreerr.KindStorage, op, "no note found", err)
	case strings.Contains(lower, "does not have any commits yet") ||
		strings.Contains(lower, "bad revision") && strings.Contains(lower, "head"):
		return memstoreerr.Wrap(memstoreerr.KindStorage, op, "repository has no commits", err)
	case strings.Contains(lower, "permission denied"):
		return memstoreerr.Wrap(memstoreerr.KindStorage, op, "permission denied", err).
			WithHint("check repository and ref permissions")
	case strings.Contains(lower, "not a valid object name") || strings.Contains(lower, "ambiguous argument"):
		return memstoreerr.Wrap(memstoreerr.KindValidation, op, "invalid ref or commit", err)
	default:
		return memstoreerr.Wrap(memstoreerr.KindStorage, op, fmt.Sprintf("underlying vcs error: %s", strings.TrimSpace(stderr)), err)
	}
}

// isNoNoteFound reports whether err represents git's "no note found for
// object <sha>" condition, which VcsNotes treats as a present-but-empty
// note (Option<String>::None), not a failure.
func isNoNoteFound(err error) bool {
	me, ok := err.(*memstoreerr.Error)
	return ok && strings.Contains(me.Message, "no note found")
}

// sanitizedEnv strips git hook/worktree environment variables that would
// otherwise redirect commands at the wrong repository (e.g. when memstore
// itself runs from inside a git hook).
func sanitizedEnv() []string {
	env := make([]string, 0)
	for _, e := range os.Environ() {
		key := strings.SplitN(e, "=", 2)[0]
		switch strings.ToUpper(key) {
		case "GIT_DIR", "GIT_INDEX_FILE", "GIT_WORK_TREE",
			"GIT_OBJECT_DIRECTORY", "GIT_ALTERNATE_OBJECT_DIRECTORIES":
			continue
		}
		env = append(env, e)
	}
	return env
}

// AppendNote concatenates text to the note attached to commit under the
// namespaced ref, creating the note if none exists. The ref update is the
// atomicity boundary: if this returns nil, the append is durable.
func (v *VcsNotes) AppendNote(ctx context.Context, namespace, commit, text string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := validateCommit(commit); err != nil {
		return err
	}

	existing, err := v.ShowNote(ctx, namespace, commit)
	if err != nil {
		return err
	}

	combined := text
	if existing != nil {
		combined = *existing + text
	}

	return v.runSilent(ctx, "vcsnotes.append_note",
		"notes", "--ref="+v.ref(namespace), "add", "-f", "-m", combined, commit)
}

// ShowNote returns the note text attached to commit under namespace, or nil
// if no note exists.
func (v *VcsNotes) ShowNote(ctx context.Context, namespace, commit string) (*string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	if err := validateCommit(commit); err != nil {
		return nil, err
	}

	out, err := v.run(ctx, "vcsnotes.show_note", "notes", "--ref="+v.ref(namespace), "show", commit)
	if err != nil {
		if isNoNoteFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// RemoveNote deletes the note attached to commit under namespace. Removing
// a note that does not exist is not an error.
func (v *VcsNotes) RemoveNote(ctx context.Context, namespace, commit string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := validateCommit(commit); err != nil {
		return err
	}
	err := v.runSilent(ctx, "vcsnotes.remove_note", "notes", "--ref="+v.ref(namespace), "remove", commit)
	if err != nil && strings.Contains(err.Error(), "no note found") {
		return nil
	}
	return err
}

// ListNotes returns every (note_id, commit_id) pair under namespace. Order
// is unspecified but stable within one call. Returns an empty slice, not an
// error, when the namespace's ref does not exist yet.
func (v *VcsNotes) ListNotes(ctx context.Context, namespace string) ([]Entry, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}

	out, err := v.run(ctx, "vcsnotes.list_notes", "notes", "--ref="+v.ref(namespace), "list")
	if err != nil {
		if me, ok := err.(*memstoreerr.Error); ok && me.Kind == memstoreerr.KindValidation {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	entries := make([]Entry, 0)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), " ", 2)
		if len(parts) != 2 {
			continue
		}
		entries = append(entries, Entry{NoteID: parts[0], CommitID: parts[1]})
	}
	return entries, nil
}

// ListNamespacesUsed enumerates the namespaces with at least one existing
// notes ref under the configured prefix, by listing refs on disk rather
// than relying on a fixed namespace set.
func (v *VcsNotes) ListNamespacesUsed(ctx context.Context) ([]string, error) {
	out, err := v.run(ctx, "vcsnotes.list_namespaces_used",
		"for-each-ref", "--format=%(refname)", v.refPrefix+"/")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	namespaces := make([]string, 0)
	scanner := bufio.NewScanner(strings.NewReader(out))
	prefix := v.refPrefix + "/"
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			namespaces = append(namespaces, strings.TrimPrefix(line, prefix))
		}
	}
	return namespaces, nil
}

// GitRefsDir resolves the absolute on-disk directory backing this
// instance's configured ref prefix (e.g. "<git-dir>/refs/notes/mem"), so a
// caller can watch it directly with fsnotify instead of polling.
func (v *VcsNotes) GitRefsDir(ctx context.Context) (string, error) {
	gitDir, err := v.run(ctx, "vcsnotes.git_refs_dir", "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(v.repoDir, gitDir)
	}
	return filepath.Join(gitDir, v.refPrefix), nil
}

// HeadCommit resolves HEAD to a commit id, returning ErrNoCommits if the
// repository has no commits yet.
func (v *VcsNotes) HeadCommit(ctx context.Context) (string, error) {
	out, err := v.run(ctx, "vcsnotes.head_commit", "rev-parse", "HEAD")
	if err != nil {
		if me, ok := err.(*memstoreerr.Error); ok && strings.Contains(me.Message, "no commits") {
			return "", memstoreerr.ErrNoCommits
		}
		return "", err
	}
	return out, nil
}
