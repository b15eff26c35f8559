package subconscious

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

// MemoryImplicitCaptureStore is the default ImplicitCaptureStore: an
// in-process holding pen for proposed captures awaiting approval. A
// process-local store is adequate here since implicit capture always
// originates from, and is reviewed within, the same long-running agent
// session; nothing else in SPEC_FULL.md's scope needs it to survive a
// restart.
type MemoryImplicitCaptureStore struct {
	mu      sync.Mutex
	pending map[string]PendingCapture
}

// NewMemoryImplicitCaptureStore constructs an empty store.
func NewMemoryImplicitCaptureStore() *MemoryImplicitCaptureStore {
	return &MemoryImplicitCaptureStore{pending: make(map[string]PendingCapture)}
}

// Put stores p under a freshly generated id and returns it.
func (s *MemoryImplicitCaptureStore) Put(p PendingCapture) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = uuid.NewString()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.pending[p.ID] = p
	return p.ID, nil
}

// Approve removes and returns the pending capture for id, to be handed to
// CaptureService by the caller.
func (s *MemoryImplicitCaptureStore) Approve(id string) (PendingCapture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return PendingCapture{}, memstoreerr.New(memstoreerr.KindValidation, "subconscious.approve", "no pending capture with that id")
	}
	delete(s.pending, id)
	return p, nil
}

// Reject discards the pending capture for id without creating a memory.
func (s *MemoryImplicitCaptureStore) Reject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[id]; !ok {
		return memstoreerr.New(memstoreerr.KindValidation, "subconscious.reject", "no pending capture with that id")
	}
	delete(s.pending, id)
	return nil
}

// Cleanup discards pending captures older than olderThan, returning the
// count removed.
func (s *MemoryImplicitCaptureStore) Cleanup(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for id, p := range s.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(s.pending, id)
			removed++
		}
	}
	return removed, nil
}
