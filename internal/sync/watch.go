package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

const debounceDelay = 2 * time.Second

// Watch monitors the notes ref tree under gitDir (typically
// "<repo>/.git/refs/notes/<prefix>") for changes and triggers an
// incremental reindex once activity settles. It blocks until ctx is
// cancelled or an unrecoverable watcher error occurs.
//
// Adapted from the teacher's internal/watcher.Watch: same
// fsnotify-plus-debounce shape, retargeted from vault markdown files to
// git's loose ref files (append_note updates create/rewrite a file per
// namespace under refs/notes/<prefix>/<namespace>).
func (s *Service) Watch(ctx context.Context, gitDir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return memstoreerr.Wrap(memstoreerr.KindStorage, "sync.watch", "create watcher failed", err)
	}
	defer w.Close()

	if err := addWatchDirs(w, gitDir); err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
		timer   *time.Timer
	)

	flush := func() {
		mu.Lock()
		namespaces := make([]string, 0, len(pending))
		for ns := range pending {
			namespaces = append(namespaces, ns)
		}
		pending = make(map[string]bool)
		mu.Unlock()
		if len(namespaces) == 0 {
			return
		}
		s.reindexChangedNamespaces(ctx, namespaces)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.Add(event.Name)
					continue
				}
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				ns := filepath.Base(event.Name)
				mu.Lock()
				pending[ns] = true
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceDelay, flush)
				mu.Unlock()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return memstoreerr.Wrap(memstoreerr.KindStorage, "sync.watch", "watch error", err)
		}
	}
}

// reindexChangedNamespaces re-syncs every note under each changed
// namespace. Errors are swallowed (best effort): a failed incremental
// pass leaves drift for the next scheduled repair to catch.
func (s *Service) reindexChangedNamespaces(ctx context.Context, namespaces []string) {
	for _, ns := range namespaces {
		entries, err := s.Notes.ListNotes(ctx, ns)
		if err != nil {
			continue
		}
		for _, e := range entries {
			_, _ = s.SyncNoteToIndex(ctx, ns, e.CommitID)
		}
	}
}

func addWatchDirs(w *fsnotify.Watcher, root string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return memstoreerr.Wrap(memstoreerr.KindStorage, "sync.watch", fmt.Sprintf("create %s failed", root), err)
		}
	}
	if err := w.Add(root); err != nil {
		return memstoreerr.Wrap(memstoreerr.KindStorage, "sync.watch", fmt.Sprintf("watch %s failed", root), err)
	}
	return nil
}
