// Package capture implements CaptureService: the single pipeline through
// which a memory comes into existence. Every step after the append runs
// best-effort — once VcsNotes.AppendNote returns, the memory is durable,
// and a failure to embed or index only produces a warning for SyncService
// to repair later (spec.md §4.6, §7).
//
// The staged, best-effort-after-the-durable-step shape follows the
// teacher's internal/indexer.Reindex: resolve config, construct the
// embedding provider, walk/hash-compare, embed, bulk insert — generalized
// here from a batch reindex down to one record appended under a lock.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/memstore-dev/memstore/internal/config"
	"github.com/memstore-dev/memstore/internal/embedding"
	"github.com/memstore-dev/memstore/internal/index"
	"github.com/memstore-dev/memstore/internal/lock"
	"github.com/memstore-dev/memstore/internal/memstoreerr"
	"github.com/memstore-dev/memstore/internal/notecodec"
	"github.com/memstore-dev/memstore/internal/secrets"
	"github.com/memstore-dev/memstore/internal/vcsnotes"
)

// Input is one capture request (spec.md §4.6).
type Input struct {
	Namespace string
	Summary   string
	Content   string
	Spec      string
	Tags      []string
	Phase     string
	Status    string
	RelatesTo []string
	Commit    string // defaults to HEAD if empty
	SkipLock  bool   // internal only: caller already holds the lock
	Domain    config.Domain
}

// Result is the outcome of a capture (spec.md §4.6 step 9).
type Result struct {
	Success bool
	Memory  *index.Memory
	Indexed bool
	Warning string
}

// Service wires together the collaborators a capture needs: the durable
// note store, the codec that (de)serializes records inside a note, the
// best-effort embedding provider, the secrets filter, the derived index,
// and the process-global advisory lock guarding the whole pipeline.
type Service struct {
	Notes       *vcsnotes.VcsNotes
	Index       *index.Index
	Embedder    embedding.Provider
	Secrets     secrets.Policy
	Allowlist   secrets.Allowlist
	Audit       *secrets.AuditLog
	LockPath    string
	LockTimeout time.Duration
	RefPrefix   string
	Domain      config.Domain
}

// Capture runs the full pipeline described in spec.md §4.6, steps 1-9.
func (s *Service) Capture(ctx context.Context, in Input) (Result, error) {
	if !in.SkipLock {
		unlock, err := lock.Acquire(s.LockPath, s.LockTimeout)
		if err != nil {
			return Result{}, err
		}
		defer unlock()
	}

	// 1. Validate.
	if err := s.validate(in); err != nil {
		return Result{}, err
	}

	// 2. Filter.
	filteredSummary, err := s.filterField(in.Summary, "summary", in.Namespace)
	if err != nil {
		return Result{}, err
	}
	filteredContent, err := s.filterField(in.Content, "content", in.Namespace)
	if err != nil {
		return Result{}, err
	}

	// 3. Resolve commit.
	commit := in.Commit
	if commit == "" || strings.EqualFold(commit, "HEAD") {
		commit, err = s.Notes.HeadCommit(ctx)
		if err != nil {
			return Result{}, err
		}
	}

	// 4. Determine index within the (namespace, commit) note.
	existing, err := s.Notes.ShowNote(ctx, in.Namespace, commit)
	if err != nil {
		return Result{}, err
	}
	nextIndex := 0
	if existing != nil {
		records, err := notecodec.ParseMany(*existing)
		if err != nil {
			return Result{}, memstoreerr.Wrap(memstoreerr.KindCapture, "capture.determine_index",
				"existing note failed to parse", err)
		}
		nextIndex = len(records)
	}

	status := in.Status
	if status == "" {
		status = "active"
	}
	timestamp := time.Now().UTC()

	record := notecodec.Record{
		Type:      in.Namespace,
		Timestamp: timestamp,
		Summary:   filteredSummary,
		Spec:      in.Spec,
		Phase:     in.Phase,
		Tags:      in.Tags,
		Status:    status,
		RelatesTo: in.RelatesTo,
		Body:      filteredContent,
	}

	// 5. Serialize.
	serialized, err := notecodec.Serialize(record)
	if err != nil {
		return Result{}, memstoreerr.Wrap(memstoreerr.KindCapture, "capture.serialize", "failed to serialize record", err)
	}

	// 6. Append. Success here makes the memory durable.
	if err := s.Notes.AppendNote(ctx, in.Namespace, commit, serialized); err != nil {
		return Result{}, err
	}

	id := MemoryID(in.Namespace, commit, nextIndex)
	memory := &index.Memory{
		ID:        id,
		CommitID:  commit,
		Namespace: in.Namespace,
		Domain:    string(in.Domain),
		Summary:   filteredSummary,
		Content:   filteredContent,
		Timestamp: timestamp,
		Spec:      in.Spec,
		Phase:     in.Phase,
		Tags:      in.Tags,
		Status:    status,
		RelatesTo: in.RelatesTo,
	}

	result := Result{Success: true, Memory: memory}

	// 7. Embed (best effort).
	var vec []float32
	if s.Embedder != nil {
		vec, err = s.Embedder.Embed(filteredSummary + "\n\n" + filteredContent)
		if err != nil {
			result.Warning = "embedding failed: " + err.Error()
		}
	}

	// 8. Index (best effort).
	if s.Index != nil {
		if err := s.Index.Insert(*memory, vec); err != nil {
			if result.Warning != "" {
				result.Warning += "; "
			}
			result.Warning += "indexing failed: " + err.Error()
		} else {
			result.Indexed = true
		}
	}

	// 9. Release lock (deferred above); return.
	return result, nil
}

func (s *Service) validate(in Input) error {
	if !config.IsValidNamespace(in.Namespace) {
		return memstoreerr.New(memstoreerr.KindValidation, "capture.validate",
			fmt.Sprintf("namespace %q is not in the closed set", in.Namespace))
	}
	summaryLen := utf8.RuneCountInString(strings.TrimSpace(in.Summary))
	if summaryLen < 1 || summaryLen > config.DefaultMaxSummaryChars {
		return memstoreerr.New(memstoreerr.KindValidation, "capture.validate",
			fmt.Sprintf("summary must be 1..=%d characters, got %d", config.DefaultMaxSummaryChars, summaryLen))
	}
	contentBytes := len(in.Content)
	if contentBytes < 1 || contentBytes > config.DefaultMaxContentBytes {
		return memstoreerr.New(memstoreerr.KindValidation, "capture.validate",
			fmt.Sprintf("content must be 1..=%d bytes, got %d", config.DefaultMaxContentBytes, contentBytes))
	}
	if !utf8.ValidString(in.Content) {
		return memstoreerr.New(memstoreerr.KindValidation, "capture.validate", "content is not valid UTF-8")
	}
	return nil
}

// filterField runs the secrets filter over one field, returning the
// (possibly rewritten) text or ErrContentBlocked.
func (s *Service) filterField(text, source, namespace string) (string, error) {
	result, err := secrets.Filter(text, source, namespace, s.Secrets, s.Allowlist, s.Audit)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// MemoryID builds the id format from spec.md §6.2:
// {namespace}:{commit_prefix}:{index}, commit_prefix the first 7 chars.
func MemoryID(namespace, commit string, index int) string {
	prefix := commit
	if len(prefix) > 7 {
		prefix = prefix[:7]
	}
	return fmt.Sprintf("%s:%s:%d", namespace, prefix, index)
}

// ContentHash hashes summary|body, used by SyncService for mismatch
// detection (spec.md §4.8 verify_consistency).
func ContentHash(summary, body string) string {
	sum := sha256.Sum256([]byte(summary + "|" + body))
	return hex.EncodeToString(sum[:])
}
