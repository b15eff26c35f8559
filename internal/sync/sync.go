// Package sync implements SyncService: incremental and full reindex,
// consistency verification between the note store and the index, and
// repair of drift. The note store is the source of truth (spec.md §3
// Ownership); the index is a derived, rebuildable copy this package keeps
// honest.
//
// The staged worker-pool shape (fan work out to a fixed number of
// goroutines, collect results, then bulk-apply) follows the teacher's
// internal/indexer.ReindexWithProgress, generalized from walking vault
// files to walking (namespace, commit) note pairs.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/memstore-dev/memstore/internal/capture"
	"github.com/memstore-dev/memstore/internal/config"
	"github.com/memstore-dev/memstore/internal/embedding"
	"github.com/memstore-dev/memstore/internal/index"
	"github.com/memstore-dev/memstore/internal/memstoreerr"
	"github.com/memstore-dev/memstore/internal/notecodec"
	"github.com/memstore-dev/memstore/internal/vcsnotes"
)

// ProgressFunc reports reindex progress: current notes processed, total
// known, and the (namespace, commit) pair just processed.
type ProgressFunc func(current, total int, namespace, commit string)

// Stats holds reindex statistics (spec.md §3 IndexStats, narrowed to what
// one reindex run reports).
type Stats struct {
	TotalNotes       int
	NewlyIndexed     int
	SkippedUnchanged int
	Errors           int
	MemoriesInIndex  int
	Timestamp        time.Time
}

// VerificationResult is the three disjoint sets from spec.md §3.
type VerificationResult struct {
	MissingInIndex    []string // backed by a note, absent from the index
	OrphanedInIndex   []string // present in the index, no backing note
	ContentMismatched []string // present in both, content hash disagrees
}

// Service is one domain's SyncService.
type Service struct {
	Notes    *vcsnotes.VcsNotes
	Index    *index.Index
	Embedder embedding.Provider
	Domain   config.Domain
}

type notePair struct {
	namespace string
	commit    string
}

type syncedRecord struct {
	namespace string
	commit    string
	record    notecodec.Record
	index     int
}

// Reindex walks every (namespace, commit) note pair and upserts each
// record it contains. When full is true, the index is truncated first so
// the result reflects only what the notes currently say (spec.md §4.8).
func (s *Service) Reindex(ctx context.Context, full bool) (*Stats, error) {
	return s.ReindexWithProgress(ctx, full, nil)
}

// ReindexWithProgress is like Reindex but accepts an optional progress
// callback, invoked once per (namespace, commit) pair processed.
func (s *Service) ReindexWithProgress(ctx context.Context, full bool, progress ProgressFunc) (*Stats, error) {
	stats := &Stats{Timestamp: time.Now().UTC()}

	if full {
		if err := s.Index.TruncateAll(); err != nil {
			return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "sync.reindex", "truncate failed", err)
		}
	}

	pairs, err := s.listAllNotePairs(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalNotes = len(pairs)

	records, errs := s.fetchAndParse(ctx, pairs)
	stats.Errors += errs

	const numWorkers = 4
	workCh := make(chan syncedRecord, len(records))
	var wg sync.WaitGroup
	var mu sync.Mutex
	processed := 0

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range workCh {
				vec := s.embed(rec.record)
				m := s.toMemory(rec)
				err := s.Index.Insert(m, vec)

				mu.Lock()
				if err != nil {
					stats.Errors++
				} else {
					stats.NewlyIndexed++
				}
				processed++
				if progress != nil {
					progress(processed, stats.TotalNotes, rec.namespace, rec.commit)
				}
				mu.Unlock()
			}
		}()
	}
	for _, rec := range records {
		workCh <- rec
	}
	close(workCh)
	wg.Wait()

	count, err := s.Index.Count(string(s.Domain))
	if err == nil {
		stats.MemoriesInIndex = count
	}
	return stats, nil
}

// listAllNotePairs enumerates every (namespace, commit) pair currently
// carrying a note, across every namespace with at least one note.
func (s *Service) listAllNotePairs(ctx context.Context) ([]notePair, error) {
	namespaces, err := s.Notes.ListNamespacesUsed(ctx)
	if err != nil {
		return nil, err
	}
	var pairs []notePair
	for _, ns := range namespaces {
		entries, err := s.Notes.ListNotes(ctx, ns)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			pairs = append(pairs, notePair{namespace: ns, commit: e.CommitID})
		}
	}
	return pairs, nil
}

// fetchAndParse reads and decodes every note in pairs, flattening each
// note's (possibly multi-record) stream into individual records tagged
// with their append-order index.
func (s *Service) fetchAndParse(ctx context.Context, pairs []notePair) ([]syncedRecord, int) {
	var records []syncedRecord
	errs := 0
	for _, p := range pairs {
		text, err := s.Notes.ShowNote(ctx, p.namespace, p.commit)
		if err != nil || text == nil {
			errs++
			continue
		}
		parsed, err := notecodec.ParseMany(*text)
		if err != nil {
			errs++
			continue
		}
		for i, rec := range parsed {
			records = append(records, syncedRecord{namespace: p.namespace, commit: p.commit, record: rec, index: i})
		}
	}
	return records, errs
}

func (s *Service) embed(rec notecodec.Record) []float32 {
	if s.Embedder == nil {
		return nil
	}
	vec, err := s.Embedder.Embed(rec.Summary + "\n\n" + rec.Body)
	if err != nil {
		return nil
	}
	return vec
}

func (s *Service) toMemory(rec syncedRecord) index.Memory {
	return index.Memory{
		ID:        capture.MemoryID(rec.namespace, rec.commit, rec.index),
		CommitID:  rec.commit,
		Namespace: rec.namespace,
		Domain:    string(s.Domain),
		Summary:   rec.record.Summary,
		Content:   rec.record.Body,
		Timestamp: rec.record.Timestamp,
		Spec:      rec.record.Spec,
		Phase:     rec.record.Phase,
		Tags:      rec.record.Tags,
		Status:    rec.record.Status,
		RelatesTo: rec.record.RelatesTo,
	}
}

// VerifyConsistency builds the expected id set from the notes (hashing
// summary|body per spec.md §4.8) and compares it against the index.
func (s *Service) VerifyConsistency(ctx context.Context) (*VerificationResult, error) {
	pairs, err := s.listAllNotePairs(ctx)
	if err != nil {
		return nil, err
	}
	records, _ := s.fetchAndParse(ctx, pairs)

	expected := make(map[string]string, len(records)) // id -> content hash
	for _, rec := range records {
		id := capture.MemoryID(rec.namespace, rec.commit, rec.index)
		expected[id] = capture.ContentHash(rec.record.Summary, rec.record.Body)
	}

	indexed, err := s.Index.IterAllIDs(string(s.Domain), 500)
	if err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindIndex, "sync.verify_consistency", "iter_all_ids failed", err)
	}
	indexedSet := make(map[string]bool, len(indexed))
	for _, id := range indexed {
		indexedSet[id] = true
	}

	result := &VerificationResult{}
	for id := range expected {
		if !indexedSet[id] {
			result.MissingInIndex = append(result.MissingInIndex, id)
		}
	}
	for id := range indexedSet {
		if _, ok := expected[id]; !ok {
			result.OrphanedInIndex = append(result.OrphanedInIndex, id)
		}
	}
	for id, wantHash := range expected {
		if !indexedSet[id] {
			continue
		}
		m, err := s.Index.Get(id)
		if err != nil || m == nil {
			continue
		}
		if capture.ContentHash(m.Summary, m.Content) != wantHash {
			result.ContentMismatched = append(result.ContentMismatched, id)
		}
	}
	return result, nil
}

// Repair deletes orphans and re-syncs missing and mismatched ids. If
// result is nil, VerifyConsistency runs first. Idempotent: re-running
// repair against an already-consistent index changes nothing (spec.md
// §4.8 "Ordering").
func (s *Service) Repair(ctx context.Context, result *VerificationResult) (int, error) {
	if result == nil {
		var err error
		result, err = s.VerifyConsistency(ctx)
		if err != nil {
			return 0, err
		}
	}

	repaired := 0
	for _, id := range result.OrphanedInIndex {
		if err := s.Index.Delete(id); err == nil {
			repaired++
		}
	}

	toResync := make(map[notePair]bool)
	for _, id := range append(append([]string{}, result.MissingInIndex...), result.ContentMismatched...) {
		ns, commit, _, err := capture.ParseMemoryID(id)
		if err != nil {
			continue
		}
		toResync[notePair{namespace: ns, commit: s.resolveFullCommit(ctx, commit)}] = true
	}
	for pair := range toResync {
		n, err := s.SyncNoteToIndex(ctx, pair.namespace, pair.commit)
		if err == nil {
			repaired += n
		}
	}
	return repaired, nil
}

// resolveFullCommit expands a 7-char prefix back to a full commit id by
// scanning this namespace's notes for a match; falls back to the prefix
// itself (ShowNote's git-side abbreviated-SHA resolution tolerates it).
func (s *Service) resolveFullCommit(ctx context.Context, prefix string) string {
	namespaces, err := s.Notes.ListNamespacesUsed(ctx)
	if err != nil {
		return prefix
	}
	for _, ns := range namespaces {
		entries, err := s.Notes.ListNotes(ctx, ns)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if len(e.CommitID) >= 7 && e.CommitID[:7] == prefix {
				return e.CommitID
			}
		}
	}
	return prefix
}

// SyncNoteToIndex re-reads a single (namespace, commit) note and upserts
// every record it contains, returning the count synced. Used immediately
// after a capture to fold fresh state into the index, and by Repair.
func (s *Service) SyncNoteToIndex(ctx context.Context, namespace, commit string) (int, error) {
	text, err := s.Notes.ShowNote(ctx, namespace, commit)
	if err != nil {
		return 0, err
	}
	if text == nil {
		return 0, nil
	}
	records, err := notecodec.ParseMany(*text)
	if err != nil {
		return 0, memstoreerr.Wrap(memstoreerr.KindParse, "sync.sync_note_to_index", "note failed to parse", err)
	}

	synced := 0
	for i, rec := range records {
		sr := syncedRecord{namespace: namespace, commit: commit, record: rec, index: i}
		vec := s.embed(rec)
		if err := s.Index.Insert(s.toMemory(sr), vec); err != nil {
			return synced, memstoreerr.Wrap(memstoreerr.KindIndex, "sync.sync_note_to_index",
				fmt.Sprintf("insert failed for record %d", i), err)
		}
		synced++
	}
	return synced, nil
}
